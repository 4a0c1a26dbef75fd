package thread

import (
	"time"

	"github.com/oziev02/commentsync/internal/domain"
)

// Comment узел дерева обсуждения в локальном представлении
type Comment struct {
	ID             ID
	ThreadID       string
	AuthorID       string
	ParentID       ID
	Content        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LikeCount      int
	ViewerHasLiked bool
	Children       []Comment

	// Pending выставлен, пока удалённое хранилище не подтвердило создание
	Pending bool
	// Failed выставлен, если последнее изменение узла было откачено
	Failed bool
	// Dangling выставлен, если заявленный родитель так и не появился
	Dangling bool
	// Placeholder заменяет удалённый комментарий, у которого остались ответы
	Placeholder bool

	Version int64
}

// IsRoot сообщает, является ли комментарий комментарием верхнего уровня
func (c Comment) IsRoot() bool {
	return c.ParentID.IsZero() || c.Dangling
}

// FromRecord преобразует серверную запись в узел без дочерних элементов
func FromRecord(r domain.Comment) Comment {
	c := Comment{
		ID:             RealID(r.ID),
		ThreadID:       r.ThreadID,
		AuthorID:       r.AuthorID,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		LikeCount:      r.LikeCount,
		ViewerHasLiked: r.ViewerHasLiked,
		Version:        r.Version,
	}
	if r.ParentID != nil {
		c.ParentID = RealID(*r.ParentID)
	}
	if r.Deleted {
		c.asPlaceholder()
	}
	return c
}

func (c *Comment) asPlaceholder() {
	c.Placeholder = true
	c.Content = ""
	c.AuthorID = ""
	c.LikeCount = 0
	c.ViewerHasLiked = false
	c.Pending = false
}

func likeCountFor(baseCount int, baseLiked, want bool) int {
	n := baseCount
	switch {
	case want && !baseLiked:
		n++
	case !want && baseLiked:
		n--
	}
	if n < 0 {
		n = 0
	}
	return n
}
