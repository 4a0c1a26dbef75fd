package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oziev02/commentsync/internal/domain"
	"github.com/oziev02/commentsync/internal/infrastructure/memory"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(threadID string, event domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) published() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func newUseCase() (*CommentUseCase, *memory.Repository, *capturePublisher) {
	repo := memory.NewRepository()
	pub := &capturePublisher{}
	return NewCommentUseCase(repo, pub, slog.New(slog.DiscardHandler)), repo, pub
}

func TestCreate_Validation(t *testing.T) {
	uc, _, pub := newUseCase()
	ctx := context.Background()

	tests := []struct {
		name string
		in   domain.CreateCommentInput
		want error
	}{
		{"empty thread", domain.CreateCommentInput{AuthorID: "a", Content: "x"}, domain.ErrEmptyThread},
		{"empty author", domain.CreateCommentInput{ThreadID: "t1", Content: "x"}, domain.ErrEmptyAuthor},
		{"blank content", domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "  \n"}, domain.ErrEmptyContent},
		{"too long", domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: strings.Repeat("я", MaxContentLength+1)}, domain.ErrContentTooLong},
		{"unknown parent", domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "x", ParentID: ptr(42)}, domain.ErrInvalidParent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := uc.Create(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, pub.published())
}

func TestCreate_ParentRules(t *testing.T) {
	uc, _, _ := newUseCase()
	ctx := context.Background()

	root, err := uc.Create(ctx, domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "root"})
	require.NoError(t, err)

	_, err = uc.Create(ctx, domain.CreateCommentInput{ThreadID: "t2", AuthorID: "a", Content: "x", ParentID: &root.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidParent)

	require.NoError(t, uc.Delete(ctx, root.ID))
	_, err = uc.Create(ctx, domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "x", ParentID: &root.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidParent)
}

func TestCreate_DuplicateIntentKeyIsNotRepublished(t *testing.T) {
	uc, _, pub := newUseCase()
	ctx := context.Background()
	in := domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "hello", IntentKey: "01HKEY"}

	first, err := uc.Create(ctx, in)
	require.NoError(t, err)
	second, err := uc.Create(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventInsert, events[0].Op)
	assert.Equal(t, "01HKEY", events[0].IntentKey)
}

func TestCreate_GeneratesIntentKey(t *testing.T) {
	uc, _, _ := newUseCase()

	c, err := uc.Create(context.Background(), domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "hello"})
	require.NoError(t, err)
	assert.Len(t, c.IntentKey, 26)
}

func TestUpdateAndDeletePublish(t *testing.T) {
	uc, _, pub := newUseCase()
	ctx := context.Background()
	c, err := uc.Create(ctx, domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "hello"})
	require.NoError(t, err)

	_, err = uc.Update(ctx, c.ID, "")
	require.ErrorIs(t, err, domain.ErrEmptyContent)

	updated, err := uc.Update(ctx, c.ID, "edited")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	require.NoError(t, uc.Delete(ctx, c.ID))
	err = uc.Delete(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrCommentNotFound)

	events := pub.published()
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventUpdate, events[1].Op)
	assert.Equal(t, "edited", events[1].Record.Content)
	assert.Equal(t, domain.EventDelete, events[2].Op)
	assert.True(t, events[2].Record.Deleted)
}

func TestSetLike(t *testing.T) {
	uc, _, pub := newUseCase()
	ctx := context.Background()
	c, err := uc.Create(ctx, domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "hello"})
	require.NoError(t, err)

	_, err = uc.SetLike(ctx, c.ID, "", true, "k1")
	require.ErrorIs(t, err, domain.ErrEmptyAuthor)

	state, err := uc.SetLike(ctx, c.ID, "bob", true, "k2")
	require.NoError(t, err)
	assert.Equal(t, 1, state.LikeCount)
	assert.True(t, state.Liked)

	// запрос со старым ключом не отменяет более новую отметку
	state, err = uc.SetLike(ctx, c.ID, "bob", false, "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.LikeCount)
	assert.True(t, state.Liked)

	events := pub.published()
	require.Len(t, events, 2)
	like := events[1]
	assert.Equal(t, domain.EventUpdate, like.Op)
	assert.Equal(t, "k2", like.IntentKey)
	assert.False(t, like.Record.ViewerHasLiked)

	list, err := uc.ListThread(ctx, "t1", "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].ViewerHasLiked)
}

func TestListThread_RequiresThread(t *testing.T) {
	uc, _, _ := newUseCase()
	_, err := uc.ListThread(context.Background(), " ", "bob")
	assert.True(t, errors.Is(err, domain.ErrEmptyThread))
}

func TestNilPublisher(t *testing.T) {
	uc := NewCommentUseCase(memory.NewRepository(), nil, nil)
	_, err := uc.Create(context.Background(), domain.CreateCommentInput{ThreadID: "t1", AuthorID: "a", Content: "x"})
	require.NoError(t, err)
}

func ptr(v int64) *int64 { return &v }
