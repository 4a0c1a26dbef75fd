package thread

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oziev02/commentsync/internal/domain"
	"github.com/oziev02/commentsync/internal/gateway"
)

// heldCall удалённый вызов, остановленный до решения теста
type heldCall struct {
	op      string
	id      int64
	release chan error
}

// Allow пропускает вызов к серверу
func (c *heldCall) Allow() { c.release <- nil }

// Fail возвращает ошибку, не меняя состояние сервера
func (c *heldCall) Fail(err error) { c.release <- err }

type like struct {
	liked bool
	key   string
}

// fakeRemote сервер в памяти с теми же правилами, что у postgres-хранилища:
// мягкое удаление, дедупликация создания и порядок лайков по ключу намерения
type fakeRemote struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*domain.Comment
	likes   map[int64]map[string]like
	byKey   map[string]int64
	fail    map[string]error
	hold    map[string]bool
	held    chan *heldCall
	listErr error
	lists   int
	push    *fakePush
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: make(map[int64]*domain.Comment),
		likes:   make(map[int64]map[string]like),
		byKey:   make(map[string]int64),
		fail:    make(map[string]error),
		hold:    make(map[string]bool),
		held:    make(chan *heldCall, 16),
	}
}

// seed добавляет запись напрямую, минуя события
func (r *fakeRemote) seed(id, parent int64, content string) *domain.Comment {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &domain.Comment{
		ID:        id,
		ThreadID:  testThread,
		AuthorID:  "bob",
		Content:   content,
		Version:   1,
		CreatedAt: baseTime.Add(time.Duration(id) * time.Minute),
	}
	c.UpdatedAt = c.CreatedAt
	if parent != 0 {
		c.ParentID = &parent
	}
	r.records[id] = c
	r.nextID = max(r.nextID, id)
	return c
}

// remove стирает запись без следа, как будто её удалили в обход событий
func (r *fakeRemote) remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// softDelete помечает запись удалённой на сервере, не публикуя событие
func (r *fakeRemote) softDelete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.records[id]
	c.Deleted = true
	c.Content = ""
	c.Version++
}

func (r *fakeRemote) setFail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

func (r *fakeRemote) setHold(op string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold[op] = on
}

func (r *fakeRemote) setListErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErr = err
}

func (r *fakeRemote) listCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists
}

func (r *fakeRemote) record(id int64) domain.Comment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.records[id]
}

func (r *fakeRemote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// gate применяет настроенный отказ или останавливает вызов до решения теста
func (r *fakeRemote) gate(ctx context.Context, op string, id int64) error {
	r.mu.Lock()
	err, hold := r.fail[op], r.hold[op]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if !hold {
		return nil
	}
	c := &heldCall{op: op, id: id, release: make(chan error, 1)}
	select {
	case r.held <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRemote) publish(op domain.EventOp, c domain.Comment, key string) {
	if r.push != nil {
		c.ViewerHasLiked = false
		r.push.send(domain.Event{Op: op, Record: c, IntentKey: key})
	}
}

func (r *fakeRemote) ListThread(ctx context.Context, threadID, viewerID string) ([]domain.Comment, error) {
	r.mu.Lock()
	r.lists++
	listErr := r.listErr
	r.mu.Unlock()
	if listErr != nil {
		return nil, listErr
	}
	if err := r.gate(ctx, "list", 0); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Comment
	for _, c := range r.records {
		if c.ThreadID != threadID {
			continue
		}
		cp := *c
		cp.ViewerHasLiked = r.likes[c.ID][viewerID].liked
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b domain.Comment) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (r *fakeRemote) CreateComment(ctx context.Context, in domain.CreateCommentInput) (*domain.Comment, error) {
	if err := r.gate(ctx, "create", 0); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if id, ok := r.byKey[in.IntentKey]; ok && in.IntentKey != "" {
		c := *r.records[id]
		r.mu.Unlock()
		return &c, nil
	}
	if in.ParentID != nil {
		p, ok := r.records[*in.ParentID]
		if !ok || p.Deleted {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: parent %d", ErrConflict, *in.ParentID)
		}
	}
	r.nextID++
	c := &domain.Comment{
		ID:        r.nextID,
		ThreadID:  in.ThreadID,
		AuthorID:  in.AuthorID,
		ParentID:  in.ParentID,
		Content:   in.Content,
		Version:   1,
		IntentKey: in.IntentKey,
		CreatedAt: baseTime.Add(time.Duration(r.nextID) * time.Minute),
	}
	c.UpdatedAt = c.CreatedAt
	r.records[c.ID] = c
	r.byKey[in.IntentKey] = c.ID
	out := *c
	r.mu.Unlock()

	r.publish(domain.EventInsert, out, in.IntentKey)
	return &out, nil
}

func (r *fakeRemote) UpdateComment(ctx context.Context, id int64, content string) (*domain.Comment, error) {
	if err := r.gate(ctx, "update", id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	c, ok := r.records[id]
	if !ok || c.Deleted {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: comment %d", ErrConflict, id)
	}
	c.Content = content
	c.Version++
	out := *c
	r.mu.Unlock()

	r.publish(domain.EventUpdate, out, "")
	return &out, nil
}

func (r *fakeRemote) DeleteComment(ctx context.Context, id int64) error {
	if err := r.gate(ctx, "delete", id); err != nil {
		return err
	}

	r.mu.Lock()
	c, ok := r.records[id]
	if !ok || c.Deleted {
		r.mu.Unlock()
		return fmt.Errorf("%w: comment %d", ErrConflict, id)
	}
	c.Deleted = true
	c.Content = ""
	c.Version++
	out := *c
	r.mu.Unlock()

	r.publish(domain.EventDelete, out, "")
	return nil
}

func (r *fakeRemote) SetLike(ctx context.Context, commentID int64, userID string, liked bool, intentKey string) (*domain.LikeState, error) {
	if err := r.gate(ctx, "like", commentID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	c, ok := r.records[commentID]
	if !ok || c.Deleted {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: comment %d", ErrConflict, commentID)
	}
	if r.likes[commentID] == nil {
		r.likes[commentID] = make(map[string]like)
	}
	prev := r.likes[commentID][userID]
	current := prev.liked
	if prev.key < intentKey {
		r.likes[commentID][userID] = like{liked: liked, key: intentKey}
		current = liked
	}
	changed := current != prev.liked
	if changed {
		if current {
			c.LikeCount++
		} else {
			c.LikeCount--
		}
		c.Version++
	}
	state := &domain.LikeState{CommentID: c.ID, LikeCount: c.LikeCount, Liked: current, Version: c.Version}
	out := *c
	r.mu.Unlock()

	if changed {
		r.publish(domain.EventUpdate, out, intentKey)
	}
	return state, nil
}

// nextHeld ждёт очередной остановленный вызов
func (r *fakeRemote) nextHeld(t *testing.T, op string) *heldCall {
	t.Helper()
	select {
	case c := <-r.held:
		require.Equal(t, op, c.op)
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s call reached the remote store", op)
		return nil
	}
}

// fakePush push-канал, управляемый тестом
type fakePush struct {
	mu       sync.Mutex
	streams  []*fakeStream
	refuse   error
	attempts int
}

func (p *fakePush) Subscribe(ctx context.Context, threadID string) (gateway.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.refuse != nil {
		return nil, p.refuse
	}
	s := &fakeStream{events: make(chan domain.Event, 64), done: make(chan struct{})}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakePush) current() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

func (p *fakePush) subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (p *fakePush) setRefuse(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refuse = err
}

func (p *fakePush) send(ev domain.Event) {
	if s := p.current(); s != nil {
		s.deliver(ev)
	}
}

// drop обрывает текущую подписку
func (p *fakePush) drop() {
	if s := p.current(); s != nil {
		_ = s.Close()
	}
}

type fakeStream struct {
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
}

func (s *fakeStream) deliver(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *fakeStream) Recv() (domain.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return domain.Event{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

var errNetworkDown = fmt.Errorf("%w: connection refused", ErrNetwork)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openView(t *testing.T, remote *fakeRemote, opts ...Option) *View {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithRemoteTimeout(2 * time.Second),
		WithGatewayConfig(gateway.Config{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}),
	}
	v := NewView(testThread, "alice", remote, append(base, opts...)...)
	require.NoError(t, v.Open(context.Background()))
	t.Cleanup(v.Close)
	return v
}

func wait(t *testing.T, f *Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "future never resolved")
	return err
}

func mustGet(t *testing.T, v *View, id ID) Comment {
	t.Helper()
	c, err := v.Get(id)
	require.NoError(t, err)
	return c
}

func rootIDs(v *View) []ID {
	var ids []ID
	for c := range v.Roots() {
		ids = append(ids, c.ID)
	}
	return ids
}

// settle дожидается, пока цикл обработает всё поставленное ранее
func settle(v *View) {
	v.call(func() {})
}
