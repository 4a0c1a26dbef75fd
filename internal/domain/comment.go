package domain

import (
	"context"
	"time"
)

// Comment представляет каноническую запись комментария, как её хранит сервер
type Comment struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	AuthorID  string    `json:"author_id"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	Content   string    `json:"content"`
	LikeCount int       `json:"like_count"`
	Version   int64     `json:"version"`
	IntentKey string    `json:"intent_key,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ViewerHasLiked заполняется только в ответах для конкретного пользователя
	ViewerHasLiked bool `json:"viewer_has_liked,omitempty"`
}

// LikeState результат установки лайка
type LikeState struct {
	CommentID int64 `json:"comment_id"`
	LikeCount int   `json:"like_count"`
	Liked     bool  `json:"liked"`
	Version   int64 `json:"version"`
}

// CreateCommentInput содержит параметры создания комментария
type CreateCommentInput struct {
	ThreadID  string
	ParentID  *int64
	Content   string
	AuthorID  string
	IntentKey string
}

// CommentRepository определяет интерфейс для работы с комментариями
type CommentRepository interface {
	// Create сохраняет комментарий. Повтор с тем же IntentKey возвращает уже
	// сохранённую запись и created=false.
	Create(ctx context.Context, comment *Comment) (created bool, err error)
	GetByID(ctx context.Context, id int64) (*Comment, error)
	ListThread(ctx context.Context, threadID, viewerID string) ([]Comment, error)
	UpdateContent(ctx context.Context, id int64, content string) (*Comment, error)
	SoftDelete(ctx context.Context, id int64) (*Comment, error)
	// SetLike устанавливает отметку пользователя. Запрос с ключом меньше уже
	// применённого игнорируется, changed=false.
	SetLike(ctx context.Context, id int64, userID string, liked bool, intentKey string) (c *Comment, changed bool, err error)
}
