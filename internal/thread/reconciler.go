package thread

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/oziev02/commentsync/internal/domain"
)

var errResyncFailed = fmt.Errorf("%w: thread resync failed", ErrChannelDegraded)

// hiddenSubtree поддерево, скрытое локальным удалением до ответа сервера
type hiddenSubtree struct {
	st Subtree
	// confirmed выставляется, если push-канал уже сообщил об удалении корня
	confirmed bool
}

// orphan запись, чей родитель ещё не известен
type orphan struct {
	c     Comment
	timer *time.Timer
}

func (v *View) handleEvent(ev domain.Event) {
	v.metrics.pushEvent(string(ev.Op))
	rec := ev.Record
	if rec.ThreadID != "" && rec.ThreadID != v.threadID {
		return
	}

	switch ev.Op {
	case domain.EventInsert:
		v.remoteInsert(rec, ev.IntentKey)
	case domain.EventUpdate:
		if rec.Deleted {
			v.remoteDelete(RealID(rec.ID))
		} else {
			v.remoteUpdate(rec, ev.IntentKey)
		}
	case domain.EventDelete:
		v.remoteDelete(RealID(rec.ID))
	default:
		v.logger.Warn("unknown push event", "op", ev.Op, "comment_id", rec.ID)
		return
	}
	v.changed()
}

func (v *View) known(id ID) bool {
	if v.store.Contains(id) {
		return true
	}
	if _, ok := v.orphans[id]; ok {
		return true
	}
	if _, ok := v.tombstones[id]; ok {
		return true
	}
	return v.hiddenHolding(id) != nil
}

// remoteInsert идемпотентна по идентификатору: повтор уже известной записи
// ничего не меняет
func (v *View) remoteInsert(rec domain.Comment, intentKey string) {
	if intentKey != "" {
		if id, ok := v.adds[intentKey]; ok {
			v.confirmAdd(id, rec, "push")
			return
		}
	}
	if rec.Deleted {
		return
	}
	if v.known(RealID(rec.ID)) {
		return
	}
	v.attachIncoming(FromRecord(rec))
}

func (v *View) attachIncoming(c Comment) {
	attached, err := AttachOne(v.store, c)
	if err != nil {
		v.logger.Warn("attach pushed comment", "comment_id", c.ID.String(), "error", err)
		return
	}
	if !attached {
		v.holdOrphan(c)
		return
	}
	v.attachOrphansOf(c.ID)
}

func (v *View) holdOrphan(c Comment) {
	o := &orphan{c: c}
	o.timer = time.AfterFunc(v.settings.orphanTimeout, func() {
		v.post(func() { v.expireOrphan(c.ID, o) })
	})
	v.orphans[c.ID] = o
}

// expireOrphan поднимает сироту на верхний уровень, если родитель так и
// не появился
func (v *View) expireOrphan(id ID, o *orphan) {
	if cur, ok := v.orphans[id]; !ok || cur != o {
		return
	}
	delete(v.orphans, id)

	if _, gone := v.tombstones[o.c.ParentID]; gone {
		v.tombstones[id] = struct{}{}
		return
	}
	c := o.c
	if v.store.Contains(c.ParentID) {
		if err := v.store.InsertChild(c); err != nil {
			v.logger.Warn("attach orphan", "comment_id", id.String(), "error", err)
			return
		}
	} else {
		c.Dangling = true
		if err := v.store.InsertRoot(c, true); err != nil {
			v.logger.Warn("promote orphan", "comment_id", id.String(), "error", err)
			return
		}
		v.metrics.danglingPromoted(1)
		v.logger.Warn("parent never arrived, comment promoted to top level",
			"comment_id", id.String(), "parent_id", c.ParentID.String())
	}
	v.attachOrphansOf(id)
	if c.Placeholder {
		v.prunePlaceholders(id)
	}
	v.changed()
}

func (v *View) attachOrphansOf(parent ID) {
	if len(v.orphans) == 0 || !v.store.Contains(parent) {
		return
	}
	var ready []*orphan
	for id, o := range v.orphans {
		if o.c.ParentID == parent {
			o.timer.Stop()
			delete(v.orphans, id)
			ready = append(ready, o)
		}
	}
	slices.SortStableFunc(ready, func(a, b *orphan) int {
		return a.c.CreatedAt.Compare(b.c.CreatedAt)
	})
	for _, o := range ready {
		if err := v.store.InsertChild(o.c); err != nil {
			v.logger.Warn("attach orphan", "comment_id", o.c.ID.String(), "error", err)
			continue
		}
		v.attachOrphansOf(o.c.ID)
	}
}

// dropTombstonedOrphans отбрасывает сирот, чей родитель уже удалён
func (v *View) dropTombstonedOrphans() {
	for changed := true; changed; {
		changed = false
		for id, o := range v.orphans {
			if _, gone := v.tombstones[o.c.ParentID]; gone {
				o.timer.Stop()
				delete(v.orphans, id)
				v.tombstones[id] = struct{}{}
				changed = true
			}
		}
	}
}

// remoteUpdate сливает подтверждённые сервером поля. Запись со старой или
// той же версией игнорируется; счётчики сливаются всегда, текст не трогает
// локальную неподтверждённую правку.
func (v *View) remoteUpdate(rec domain.Comment, intentKey string) {
	id := RealID(rec.ID)
	if o, ok := v.orphans[id]; ok {
		if rec.Version > o.c.Version {
			c := FromRecord(rec)
			o.c = c
		}
		return
	}
	if _, gone := v.tombstones[id]; gone {
		return
	}
	cur, ok := v.lookup(id)
	if !ok {
		v.remoteInsert(rec, "")
		return
	}
	if cur.Placeholder || rec.Version <= cur.Version {
		return
	}

	t := v.tracks[id]
	likeActive := t != nil && t.likeActive
	editActive := t != nil && t.editActive
	if likeActive {
		if want, own := t.likeKeys[intentKey]; own {
			t.likeBase = likeBase{count: rec.LikeCount, liked: want}
		} else {
			t.likeBase.count = rec.LikeCount
		}
	}
	if editActive {
		t.editGood = rec.Content
	}

	v.updateNode(id, func(c *Comment) {
		c.Version = rec.Version
		c.UpdatedAt = rec.UpdatedAt
		if !editActive {
			c.Content = rec.Content
		}
		if likeActive {
			c.LikeCount = likeCountFor(t.likeBase.count, t.likeBase.liked, t.likeWant)
		} else {
			c.LikeCount = rec.LikeCount
		}
	})
}

func (v *View) remoteDelete(id ID) {
	v.tombstones[id] = struct{}{}
	defer v.dropTombstonedOrphans()

	if o, ok := v.orphans[id]; ok {
		o.timer.Stop()
		delete(v.orphans, id)
		return
	}
	if h, ok := v.hidden[id]; ok {
		h.confirmed = true
		return
	}
	if h := v.hiddenHolding(id); h != nil {
		if len(h.st.children[id]) > 0 {
			h.st.update(id, (*Comment).asPlaceholder)
			v.dropTrack(id, ErrConflict, ErrNotFound)
			return
		}
		for _, rid := range h.st.drop(id) {
			v.dropTrack(rid, ErrConflict, ErrNotFound)
		}
		return
	}
	if v.store.Contains(id) {
		v.removeRemote(id)
	}
}

// removeRemote убирает удалённый на сервере узел. Узел с ответами
// превращается в заглушку, ответы остаются на месте.
func (v *View) removeRemote(id ID) {
	cur, ok := v.store.peek(id)
	if !ok {
		return
	}
	v.dropTrack(id, ErrConflict, ErrNotFound)
	if v.store.childCount(id) > 0 {
		_ = v.store.Update(id, (*Comment).asPlaceholder)
		return
	}
	st, err := v.store.Remove(id)
	if err != nil {
		return
	}
	for _, rid := range st.IDs() {
		v.dropTrack(rid, ErrConflict, ErrNotFound)
	}
	if !cur.Dangling {
		v.prunePlaceholders(cur.ParentID)
	}
}

// prunePlaceholders убирает вверх по цепочке заглушки, оставшиеся без ответов
func (v *View) prunePlaceholders(id ID) {
	for !id.IsZero() {
		c, ok := v.store.peek(id)
		if !ok || !c.Placeholder || v.store.childCount(id) > 0 {
			return
		}
		if _, err := v.store.Remove(id); err != nil {
			return
		}
		if c.Dangling {
			return
		}
		id = c.ParentID
	}
}

// requestResync запускает полную перезагрузку треда. Запросы, пришедшие во
// время уже идущей загрузки, присоединяются к ней; fresh начинает новую
// загрузку, чтобы не потерять события, пропущенные до переподключения.
func (v *View) requestResync(reason string, fresh bool) {
	if v.ctx.Err() != nil {
		return
	}
	if fresh {
		v.resyncs.Forget(v.threadID)
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		_, _, _ = v.resyncs.Do(v.threadID, func() (any, error) {
			return nil, v.resync(reason)
		})
	}()
}

func (v *View) resync(reason string) error {
	var known []ID
	if !v.call(func() { known = v.confirmedIDs() }) {
		return ErrViewClosed
	}

	ctx, cancel := context.WithTimeout(v.ctx, v.settings.remoteTimeout)
	defer cancel()
	records, err := v.remote.ListThread(ctx, v.threadID, v.viewerID)
	if err != nil {
		if v.ctx.Err() == nil {
			v.logger.Warn("thread resync failed", "reason", reason, "error", err)
			v.post(func() {
				v.channelErr = fmt.Errorf("%w: %w", errResyncFailed, err)
				v.changed()
			})
		}
		return err
	}
	v.logger.Debug("thread resync", "reason", reason, "records", len(records))
	v.post(func() { v.applySnapshot(known, records) })
	return nil
}

func (v *View) confirmedIDs() []ID {
	ids := v.store.ThreadIDs(v.threadID)
	return slices.DeleteFunc(ids, ID.IsProvisional)
}

// applySnapshot сверяет дерево с полным списком записей. known узлы,
// существовавшие до начала загрузки: только их отсутствие в списке
// означает удаление на сервере.
func (v *View) applySnapshot(known []ID, records []domain.Comment) {
	seen := make(map[ID]struct{}, len(records))
	var incoming []Comment
	for _, r := range records {
		if r.ThreadID != "" && r.ThreadID != v.threadID {
			continue
		}
		id := RealID(r.ID)
		seen[id] = struct{}{}

		if r.IntentKey != "" {
			if pid, ok := v.adds[r.IntentKey]; ok {
				v.confirmAdd(pid, r, "resync")
				continue
			}
		}
		if _, gone := v.tombstones[id]; gone {
			continue
		}
		_, present := v.lookup(id)
		if r.Deleted && present {
			v.remoteDelete(id)
			continue
		}
		if present {
			v.remoteUpdate(r, "")
			if t := v.tracks[id]; t == nil || !t.likeActive {
				liked := r.ViewerHasLiked
				v.updateNode(id, func(c *Comment) {
					if !c.Placeholder {
						c.ViewerHasLiked = liked
					}
				})
			}
			continue
		}
		if _, ok := v.orphans[id]; ok {
			continue
		}
		incoming = append(incoming, FromRecord(r))
	}

	for _, c := range incoming {
		if !v.known(c.ID) {
			v.attachIncoming(c)
		}
	}
	// удалённые записи нужны только как заглушки над живыми ответами
	for i := len(incoming) - 1; i >= 0; i-- {
		if incoming[i].Placeholder {
			v.prunePlaceholders(incoming[i].ID)
		}
	}

	// с конца прямого обхода, чтобы ответы уходили раньше родителей
	for i := len(known) - 1; i >= 0; i-- {
		id := known[i]
		if _, ok := seen[id]; ok || !v.store.Contains(id) {
			continue
		}
		if c, _ := v.store.peek(id); c.Placeholder && v.store.childCount(id) > 0 {
			continue
		}
		v.tombstones[id] = struct{}{}
		v.removeRemote(id)
	}
	v.dropTombstonedOrphans()

	if errors.Is(v.channelErr, errResyncFailed) {
		v.channelErr = nil
	}
	v.metrics.resync()
	v.changed()
}
