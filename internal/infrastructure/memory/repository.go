// Package memory хранит комментарии в памяти процесса. Правила те же, что у
// PostgresRepository: мягкое удаление, дедупликация по ключу намерения и
// порядок отметок по ключу.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oziev02/commentsync/internal/domain"
)

type likeMark struct {
	liked bool
	key   string
}

// Repository реализует CommentRepository в памяти
type Repository struct {
	mu       sync.RWMutex
	nextID   int64
	comments map[int64]*domain.Comment
	byKey    map[string]int64
	likes    map[int64]map[string]likeMark
	now      func() time.Time
}

// NewRepository создает пустое хранилище
func NewRepository() *Repository {
	return &Repository{
		comments: make(map[int64]*domain.Comment),
		byKey:    make(map[string]int64),
		likes:    make(map[int64]map[string]likeMark),
		now:      time.Now,
	}
}

// Create сохраняет комментарий; повтор ключа возвращает существующую запись
func (r *Repository) Create(_ context.Context, comment *domain.Comment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[comment.IntentKey]; ok && comment.IntentKey != "" {
		*comment = *r.comments[id]
		return false, nil
	}

	r.nextID++
	now := r.now()
	stored := &domain.Comment{
		ID:        r.nextID,
		ThreadID:  comment.ThreadID,
		AuthorID:  comment.AuthorID,
		ParentID:  comment.ParentID,
		Content:   comment.Content,
		Version:   1,
		IntentKey: comment.IntentKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.comments[stored.ID] = stored
	if stored.IntentKey != "" {
		r.byKey[stored.IntentKey] = stored.ID
	}
	*comment = *stored
	return true, nil
}

// GetByID получает комментарий по ID
func (r *Repository) GetByID(_ context.Context, id int64) (*domain.Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.comments[id]
	if !ok {
		return nil, domain.ErrCommentNotFound
	}
	out := *c
	return &out, nil
}

// ListThread возвращает все записи треда по возрастанию времени создания
func (r *Repository) ListThread(_ context.Context, threadID, viewerID string) ([]domain.Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	comments := make([]domain.Comment, 0)
	for _, c := range r.comments {
		if c.ThreadID != threadID {
			continue
		}
		out := *c
		out.ViewerHasLiked = r.likes[c.ID][viewerID].liked && !c.Deleted
		comments = append(comments, out)
	}
	slices.SortFunc(comments, func(a, b domain.Comment) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return comments, nil
}

// UpdateContent заменяет текст и увеличивает версию
func (r *Repository) UpdateContent(_ context.Context, id int64, content string) (*domain.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.comments[id]
	if !ok || c.Deleted {
		return nil, domain.ErrCommentNotFound
	}
	c.Content = content
	c.Version++
	c.UpdatedAt = r.now()
	out := *c
	return &out, nil
}

// SoftDelete помечает комментарий удалённым
func (r *Repository) SoftDelete(_ context.Context, id int64) (*domain.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.comments[id]
	if !ok || c.Deleted {
		return nil, domain.ErrCommentNotFound
	}
	c.Deleted = true
	c.Content = ""
	c.Version++
	c.UpdatedAt = r.now()
	out := *c
	return &out, nil
}

// SetLike устанавливает отметку, если ключ новее уже применённого
func (r *Repository) SetLike(_ context.Context, id int64, userID string, liked bool, intentKey string) (*domain.Comment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.comments[id]
	if !ok || c.Deleted {
		return nil, false, domain.ErrCommentNotFound
	}
	marks := r.likes[id]
	if marks == nil {
		marks = make(map[string]likeMark)
		r.likes[id] = marks
	}

	prev := marks[userID]
	current := prev.liked
	if prev.key < intentKey {
		marks[userID] = likeMark{liked: liked, key: intentKey}
		current = liked
	}
	changed := current != prev.liked
	if changed {
		if current {
			c.LikeCount++
		} else {
			c.LikeCount = max(c.LikeCount-1, 0)
		}
		c.Version++
		c.UpdatedAt = r.now()
	}

	out := *c
	out.ViewerHasLiked = current
	return &out, changed, nil
}
