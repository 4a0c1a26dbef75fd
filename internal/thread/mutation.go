package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oziev02/commentsync/internal/domain"
)

// track состояние незавершённых мутаций одного узла
type track struct {
	// seq растёт с каждой локальной мутацией узла; подтверждение со
	// старым номером не перезаписывает более новое спекулятивное состояние
	seq int64

	addOp         Op
	addKey        string
	addFuture     *Future
	createContent string
	createQueued  bool
	// replies временные ответы, ждущие подтверждения этого узла
	replies []ID

	editActive bool
	editGood   string
	editSeq    int64
	// editInFlight запрос изменения текста уже отправлен; следующий ждёт
	// его завершения, чтобы сервер применял правки в порядке ввода
	editInFlight bool
	editQueued   bool
	editWaiting  []*Future

	deleteQueued  bool
	deleteWaiting []*Future

	likeActive  bool
	likeBase    likeBase
	likeSeq     int64
	likeWant    bool
	likeQueued  bool
	likeCancel  context.CancelFunc
	likeKeys    map[string]bool
	likeWaiting []*Future
}

type likeBase struct {
	count int
	liked bool
}

func (v *View) trackFor(id ID) *track {
	t, ok := v.tracks[id]
	if !ok {
		t = &track{likeKeys: make(map[string]bool)}
		v.tracks[id] = t
	}
	return t
}

// dropTrack завершает все ожидания узла, который исчез из дерева
func (v *View) dropTrack(id ID, kind, cause error) {
	t, ok := v.tracks[id]
	if !ok {
		return
	}
	delete(v.tracks, id)
	if t.addKey != "" {
		delete(v.adds, t.addKey)
	}
	if t.likeCancel != nil {
		t.likeCancel()
	}
	fail := func(op Op, fs ...*Future) {
		for _, f := range fs {
			v.resolve(f, &MutationError{Op: op, ID: id, Kind: kind, Err: cause})
		}
	}
	fail(t.addOp, t.addFuture)
	fail(OpEdit, t.editWaiting...)
	fail(OpDelete, t.deleteWaiting...)
	fail(OpLike, t.likeWaiting...)
}

// lookup ищет узел в дереве и среди отсоединённых поддеревьев
func (v *View) lookup(id ID) (Comment, bool) {
	if c, ok := v.store.peek(id); ok {
		return c, true
	}
	if h := v.hiddenHolding(id); h != nil {
		return h.st.get(id)
	}
	return Comment{}, false
}

func (v *View) updateNode(id ID, fn func(*Comment)) {
	if v.store.Contains(id) {
		_ = v.store.Update(id, fn)
		return
	}
	if h := v.hiddenHolding(id); h != nil {
		h.st.update(id, fn)
	}
}

func (v *View) hiddenHolding(id ID) *hiddenSubtree {
	if h, ok := v.hidden[id]; ok {
		return h
	}
	for _, h := range v.hidden {
		if h.st.Contains(id) {
			return h
		}
	}
	return nil
}

func (v *View) apply(intent Intent, f *Future) {
	if v.ctx.Err() != nil {
		f.resolve(ErrViewClosed)
		return
	}
	switch in := intent.(type) {
	case AddComment:
		v.add(OpAdd, ID{}, in.Content, f)
	case AddReply:
		if in.ParentID.IsZero() {
			v.resolve(f, precondition(OpReply, ID{}, ErrParentNotFound))
			return
		}
		v.add(OpReply, in.ParentID, in.Content, f)
	case EditComment:
		v.edit(in.ID, in.Content, f)
	case DeleteComment:
		v.remove(in.ID, f)
	case ToggleLike:
		v.toggleLike(in.ID, f)
	default:
		v.resolve(f, precondition(intent.Op(), ID{}, fmt.Errorf("unsupported intent %T: %w", intent, ErrInvalidComment)))
	}
}

// live возвращает узел, который можно менять, или ошибку предусловия
func (v *View) live(op Op, id ID) (Comment, *MutationError) {
	c, ok := v.store.peek(id)
	if !ok {
		if _, gone := v.tombstones[id]; gone {
			return Comment{}, precondition(op, id, ErrParentDeleted)
		}
		return Comment{}, precondition(op, id, ErrNotFound)
	}
	if c.Placeholder {
		return Comment{}, precondition(op, id, ErrNotFound)
	}
	return c, nil
}

func (v *View) add(op Op, parentID ID, content string, f *Future) {
	if strings.TrimSpace(content) == "" {
		v.resolve(f, precondition(op, ID{}, ErrEmptyContent))
		return
	}

	var parentTrack *track
	if !parentID.IsZero() {
		parent, ok := v.store.peek(parentID)
		switch {
		case !ok:
			err := ErrParentNotFound
			if _, gone := v.tombstones[parentID]; gone {
				err = ErrParentDeleted
			}
			v.resolve(f, precondition(op, parentID, err))
			return
		case parent.Placeholder:
			v.resolve(f, precondition(op, parentID, ErrParentDeleted))
			return
		}
		if parentID.IsProvisional() {
			parentTrack = v.tracks[parentID]
		}
	}

	now := v.settings.now()
	c := Comment{
		ID:        NewProvisionalID(),
		ThreadID:  v.threadID,
		AuthorID:  v.viewerID,
		ParentID:  parentID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
		Pending:   true,
	}
	var err error
	if parentID.IsZero() {
		err = v.store.InsertRoot(c, true)
	} else {
		err = v.store.InsertChild(c)
	}
	if err != nil {
		v.resolve(f, precondition(op, parentID, err))
		return
	}

	t := v.trackFor(c.ID)
	t.addOp = op
	t.addKey = newIntentKey()
	t.addFuture = f
	t.createContent = content
	v.adds[t.addKey] = c.ID
	v.register(f)
	v.metrics.mutation(op)
	v.changed()

	if parentTrack != nil {
		t.createQueued = true
		parentTrack.replies = append(parentTrack.replies, c.ID)
		return
	}
	v.dispatchCreate(c.ID)
}

func (v *View) dispatchCreate(id ID) {
	t := v.tracks[id]
	c, ok := v.lookup(id)
	if t == nil || !ok {
		return
	}
	in := domain.CreateCommentInput{
		ThreadID:  v.threadID,
		Content:   t.createContent,
		AuthorID:  v.viewerID,
		IntentKey: t.addKey,
	}
	if !c.ParentID.IsZero() {
		pid, ok := c.ParentID.Real()
		if !ok {
			t.createQueued = true
			return
		}
		in.ParentID = &pid
	}

	key := t.addKey
	var rec *domain.Comment
	v.goRemote(v.ctx, func(ctx context.Context) error {
		var err error
		rec, err = v.remote.CreateComment(ctx, in)
		return err
	}, func(err error) {
		v.completeCreate(key, rec, err)
	})
}

func (v *View) completeCreate(key string, rec *domain.Comment, err error) {
	id, ok := v.adds[key]
	if !ok {
		// уже подтверждён push-событием или ресинхронизацией
		return
	}
	if err != nil {
		v.rollbackAdd(id, err)
		return
	}
	if rec == nil {
		v.rollbackAdd(id, fmt.Errorf("create returned no record: %w", ErrNetwork))
		return
	}
	v.confirmAdd(id, *rec, "remote")
}

// confirmAdd заменяет временный узел каноническим, сохраняя его позицию и
// ответы, и отправляет мутации, отложенные до подтверждения
func (v *View) confirmAdd(id ID, rec domain.Comment, source string) {
	t := v.tracks[id]
	if t == nil {
		return
	}
	delete(v.adds, t.addKey)
	real := RealID(rec.ID)

	if _, dup := v.lookup(real); dup {
		// каноническая запись уже пришла без ключа намерения
		v.logger.Warn("confirmed comment already present", "provisional_id", id.String(), "comment_id", rec.ID)
		f := t.addFuture
		t.addFuture, t.addKey = nil, ""
		for _, rid := range v.discardProvisional(id) {
			v.dropTrack(rid, ErrConflict, ErrDuplicateID)
		}
		v.resolve(f, nil)
		v.changed()
		return
	}

	merge := func(c *Comment) {
		c.Pending = false
		c.Failed = false
		c.AuthorID = rec.AuthorID
		c.CreatedAt = rec.CreatedAt
		c.UpdatedAt = rec.UpdatedAt
		c.Version = rec.Version
		if !t.editActive {
			c.Content = rec.Content
		}
		if !t.likeActive {
			c.LikeCount = rec.LikeCount
			c.ViewerHasLiked = rec.ViewerHasLiked
		}
	}
	if v.store.Contains(id) {
		_ = v.store.Update(id, merge)
		if err := v.store.Rekey(id, real); err != nil {
			v.logger.Error("rekey confirmed comment", "error", err)
		}
	} else if h := v.hiddenHolding(id); h != nil {
		h.st.update(id, merge)
		h.st.rekey(id, real)
		if h.st.Root == real {
			delete(v.hidden, id)
			v.hidden[real] = h
		}
	}

	delete(v.tracks, id)
	v.tracks[real] = t
	t.addKey = ""
	t.editGood = rec.Content
	t.likeBase = likeBase{count: rec.LikeCount, liked: rec.ViewerHasLiked}
	v.metrics.confirmed(source)
	f := t.addFuture
	t.addFuture = nil
	v.resolve(f, nil)

	v.attachOrphansOf(real)

	if _, gone := v.tombstones[real]; gone {
		v.removeRemote(real)
		v.changed()
		return
	}

	if t.deleteQueued {
		t.deleteQueued = false
		v.dispatchDelete(real)
		v.changed()
		return
	}
	v.flushReplies(real)
	if t.editQueued {
		t.editQueued = false
		v.dispatchEdit(real)
	}
	if t.likeQueued {
		t.likeQueued = false
		v.dispatchLike(real)
	}
	v.changed()
}

func (v *View) flushReplies(parent ID) {
	t := v.tracks[parent]
	if t == nil || len(t.replies) == 0 {
		return
	}
	replies := t.replies
	t.replies = nil
	for _, rid := range replies {
		rt := v.tracks[rid]
		if rt == nil || !rt.createQueued {
			continue
		}
		rt.createQueued = false
		v.dispatchCreate(rid)
	}
}

// rollbackAdd убирает временный узел вместе с ответами, которые ещё не
// были отправлены
func (v *View) rollbackAdd(id ID, err error) {
	t := v.tracks[id]
	if t == nil {
		return
	}
	kind := classify(err)
	v.logger.Info("comment create rolled back", "provisional_id", id.String(), "kind", kindLabel(kind), "error", err)
	v.metrics.rollback(t.addOp, kind)

	f := t.addFuture
	t.addFuture = nil
	deletes := t.deleteWaiting
	t.deleteWaiting = nil

	parent := ID{}
	if c, ok := v.store.peek(id); ok && !c.Dangling {
		parent = c.ParentID
	}
	removed := v.discardProvisional(id)
	v.prunePlaceholders(parent)
	v.dropTrack(id, kind, err)
	for _, rid := range removed {
		if rid != id {
			v.dropTrack(rid, kind, fmt.Errorf("parent %s: %w", id, err))
		}
	}

	v.resolve(f, &MutationError{Op: t.addOp, ID: id, Kind: kind, Err: err})
	// удалять нечего: комментарий так и не появился на сервере
	v.resolveAll(deletes, nil)

	if kind == ErrConflict {
		v.requestResync("create conflict", false)
	}
	v.changed()
}

// discardProvisional вырезает узел из дерева или из отсоединённого поддерева
func (v *View) discardProvisional(id ID) []ID {
	if v.store.Contains(id) {
		st, err := v.store.Remove(id)
		if err != nil {
			return nil
		}
		return st.IDs()
	}
	if h, ok := v.hidden[id]; ok {
		delete(v.hidden, id)
		return h.st.IDs()
	}
	if h := v.hiddenHolding(id); h != nil {
		return h.st.drop(id)
	}
	return nil
}

func (v *View) edit(id ID, content string, f *Future) {
	if strings.TrimSpace(content) == "" {
		v.resolve(f, precondition(OpEdit, id, ErrEmptyContent))
		return
	}
	cur, merr := v.live(OpEdit, id)
	if merr != nil {
		v.resolve(f, merr)
		return
	}

	t := v.trackFor(id)
	if !t.editActive {
		t.editGood = cur.Content
		t.editActive = true
	}
	t.seq++
	t.editSeq = t.seq
	_ = v.store.Update(id, func(c *Comment) {
		c.Content = content
		c.Failed = false
		c.UpdatedAt = v.settings.now()
	})
	v.register(f)
	t.editWaiting = append(t.editWaiting, f)
	v.metrics.mutation(OpEdit)
	v.changed()

	if id.IsProvisional() || t.editInFlight {
		t.editQueued = true
		return
	}
	v.dispatchEdit(id)
}

func (v *View) dispatchEdit(id ID) {
	t := v.tracks[id]
	c, ok := v.lookup(id)
	real, isReal := id.Real()
	if t == nil || !ok || !isReal {
		return
	}
	seq := t.editSeq
	waiting := t.editWaiting
	t.editWaiting = nil
	t.editInFlight = true
	content := c.Content

	var rec *domain.Comment
	v.goRemote(v.ctx, func(ctx context.Context) error {
		var err error
		rec, err = v.remote.UpdateComment(ctx, real, content)
		return err
	}, func(err error) {
		v.completeEdit(id, seq, waiting, rec, err)
	})
}

func (v *View) completeEdit(id ID, seq int64, waiting []*Future, rec *domain.Comment, err error) {
	if err == nil && rec == nil {
		err = fmt.Errorf("update returned no record: %w", ErrNetwork)
	}
	t := v.tracks[id]
	if t == nil {
		// узел исчез, пока запрос был в полёте
		if err != nil {
			err = &MutationError{Op: OpEdit, ID: id, Kind: classify(err), Err: err}
		}
		v.resolveAll(waiting, err)
		return
	}
	t.editInFlight = false
	latest := seq == t.editSeq

	if err == nil {
		if latest {
			t.editActive = false
		}
		cur, _ := v.lookup(id)
		if rec.Version > cur.Version {
			if t.editActive {
				t.editGood = rec.Content
			}
			v.updateNode(id, func(c *Comment) {
				c.Version = rec.Version
				c.UpdatedAt = rec.UpdatedAt
				if !t.editActive {
					c.Content = rec.Content
					c.Failed = false
				}
			})
		} else if !t.editActive {
			v.updateNode(id, func(c *Comment) { c.Failed = false })
		}
		v.resolveAll(waiting, nil)
		v.flushEdit(id, t)
		v.changed()
		return
	}

	kind := classify(err)
	v.metrics.rollback(OpEdit, kind)
	merr := &MutationError{Op: OpEdit, ID: id, Kind: kind, Err: err}
	if latest {
		good := t.editGood
		t.editActive = false
		v.updateNode(id, func(c *Comment) {
			c.Content = good
			c.Failed = true
		})
		v.logger.Info("comment edit rolled back", "comment_id", id.String(), "kind", kindLabel(kind), "error", err)
		if kind == ErrConflict {
			v.requestResync("edit conflict", false)
		}
	}
	v.resolveAll(waiting, merr)
	v.flushEdit(id, t)
	v.changed()
}

// flushEdit отправляет правку, накопленную, пока предыдущая была в полёте.
// Уходит только последний текст; все ожидавшие его намерения разрешаются
// вместе с ним.
func (v *View) flushEdit(id ID, t *track) {
	if !t.editQueued || id.IsProvisional() {
		return
	}
	t.editQueued = false
	v.dispatchEdit(id)
}

func (v *View) remove(id ID, f *Future) {
	if _, merr := v.live(OpDelete, id); merr != nil {
		v.resolve(f, merr)
		return
	}

	t := v.trackFor(id)
	if t.createQueued {
		// запрос на создание ещё не отправлялся, удаление чисто локальное
		removed := v.discardProvisional(id)
		for _, rid := range removed {
			v.dropTrack(rid, ErrLocalPrecondition, ErrParentDeleted)
		}
		v.resolve(f, nil)
		v.metrics.mutation(OpDelete)
		v.changed()
		return
	}

	st, err := v.store.Remove(id)
	if err != nil {
		v.resolve(f, precondition(OpDelete, id, err))
		return
	}
	v.hidden[id] = &hiddenSubtree{st: st}
	v.register(f)
	t.deleteWaiting = append(t.deleteWaiting, f)
	v.metrics.mutation(OpDelete)
	v.changed()

	if id.IsProvisional() {
		t.deleteQueued = true
		return
	}
	v.dispatchDelete(id)
}

func (v *View) dispatchDelete(id ID) {
	real, ok := id.Real()
	if !ok {
		return
	}
	v.goRemote(v.ctx, func(ctx context.Context) error {
		return v.remote.DeleteComment(ctx, real)
	}, func(err error) {
		v.completeDelete(id, err)
	})
}

func (v *View) completeDelete(id ID, err error) {
	h, ok := v.hidden[id]
	if !ok {
		return
	}
	var waiting []*Future
	if t := v.tracks[id]; t != nil {
		waiting = t.deleteWaiting
		t.deleteWaiting = nil
	}

	kind := error(nil)
	if err != nil && !h.confirmed {
		kind = classify(err)
	}

	delete(v.hidden, id)
	if kind == nil || kind == ErrConflict {
		v.tombstones[id] = struct{}{}
		v.dropTrack(id, ErrConflict, ErrNotFound)
		// временные ответы удалённому комментарию уже не создать
		for _, rid := range h.st.IDs() {
			if rid.IsProvisional() {
				for _, d := range h.st.drop(rid) {
					v.dropTrack(d, ErrLocalPrecondition, ErrParentDeleted)
				}
			}
		}
		// ответы на сервере переживают удаление и остаются под заглушкой
		if len(h.st.children[id]) > 0 {
			h.st.update(id, (*Comment).asPlaceholder)
			v.restoreHidden(h)
		} else {
			v.prunePlaceholders(h.st.Parent)
		}
		v.dropTombstonedOrphans()

		if kind == ErrConflict {
			v.metrics.rollback(OpDelete, kind)
			v.resolveAll(waiting, &MutationError{Op: OpDelete, ID: id, Kind: kind, Err: err})
			v.requestResync("delete conflict", false)
		} else {
			v.resolveAll(waiting, nil)
		}
		v.changed()
		return
	}

	v.restoreHidden(h)
	v.metrics.rollback(OpDelete, kind)
	v.logger.Info("comment delete rolled back", "comment_id", id.String(), "kind", kindLabel(kind), "error", err)
	v.resolveAll(waiting, &MutationError{Op: OpDelete, ID: id, Kind: kind, Err: err})
	v.changed()
}

func (v *View) toggleLike(id ID, f *Future) {
	cur, merr := v.live(OpLike, id)
	if merr != nil {
		v.resolve(f, merr)
		return
	}

	t := v.trackFor(id)
	if !t.likeActive {
		t.likeBase = likeBase{count: cur.LikeCount, liked: cur.ViewerHasLiked}
		t.likeActive = true
	}
	want := !cur.ViewerHasLiked
	t.seq++
	t.likeSeq = t.seq
	t.likeWant = want
	_ = v.store.Update(id, func(c *Comment) {
		c.ViewerHasLiked = want
		c.LikeCount = likeCountFor(t.likeBase.count, t.likeBase.liked, want)
		c.Failed = false
	})
	v.register(f)
	t.likeWaiting = append(t.likeWaiting, f)
	v.metrics.mutation(OpLike)
	v.changed()

	if t.likeCancel != nil {
		t.likeCancel()
		t.likeCancel = nil
	}
	if id.IsProvisional() {
		t.likeQueued = true
		return
	}
	v.dispatchLike(id)
}

func (v *View) dispatchLike(id ID) {
	t := v.tracks[id]
	real, ok := id.Real()
	if t == nil || !ok || v.ctx.Err() != nil {
		return
	}
	seq := t.likeSeq
	want := t.likeWant
	key := newIntentKey()
	t.likeKeys[key] = want

	ctx, cancel := context.WithCancel(v.ctx)
	t.likeCancel = cancel

	var state *domain.LikeState
	v.goRemote(ctx, func(ctx context.Context) error {
		var err error
		state, err = v.remote.SetLike(ctx, real, v.viewerID, want, key)
		return err
	}, func(err error) {
		cancel()
		v.completeLike(id, seq, state, err)
	})
}

// completeLike применяет только ответ на последний переключатель; ответы
// на вытесненные запросы отбрасываются
func (v *View) completeLike(id ID, seq int64, state *domain.LikeState, err error) {
	t := v.tracks[id]
	if t == nil || seq != t.likeSeq || !t.likeActive {
		return
	}
	waiting := t.likeWaiting
	t.likeWaiting = nil
	t.likeActive = false
	t.likeCancel = nil
	clear(t.likeKeys)

	if err == nil && state != nil {
		cur, _ := v.lookup(id)
		if state.Version > cur.Version {
			t.likeBase = likeBase{count: state.LikeCount, liked: state.Liked}
		} else {
			t.likeBase.liked = state.Liked
		}
		base := t.likeBase
		v.updateNode(id, func(c *Comment) {
			c.LikeCount = base.count
			c.ViewerHasLiked = base.liked
			c.Failed = false
			c.Version = max(c.Version, state.Version)
		})
		v.resolveAll(waiting, nil)
		v.changed()
		return
	}
	if err == nil {
		err = fmt.Errorf("set like returned no state: %w", ErrNetwork)
	}

	kind := classify(err)
	base := t.likeBase
	v.updateNode(id, func(c *Comment) {
		c.LikeCount = base.count
		c.ViewerHasLiked = base.liked
		c.Failed = true
	})
	v.metrics.rollback(OpLike, kind)
	v.logger.Info("like rolled back", "comment_id", id.String(), "kind", kindLabel(kind), "error", err)
	v.resolveAll(waiting, &MutationError{Op: OpLike, ID: id, Kind: kind, Err: err})
	if kind == ErrConflict {
		v.requestResync("like conflict", false)
	}
	v.changed()
}

// restoreHidden возвращает отсоединённое поддерево в дерево. Если родитель
// исчез, поддерево поднимается на верхний уровень.
func (v *View) restoreHidden(h *hiddenSubtree) {
	err := v.store.Restore(h.st)
	if errors.Is(err, ErrParentNotFound) {
		h.st.promote()
		err = v.store.Restore(h.st)
	}
	if err != nil {
		v.logger.Error("restore detached subtree", "comment_id", h.st.Root.String(), "error", err)
		return
	}
	for _, rid := range h.st.IDs() {
		v.attachOrphansOf(rid)
		if !rid.IsProvisional() {
			v.flushReplies(rid)
		}
	}
}
