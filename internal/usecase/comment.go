package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/oziev02/commentsync/internal/domain"
)

// MaxContentLength предельная длина комментария в символах
const MaxContentLength = 10000

// CommentUseCase содержит бизнес-логику для работы с комментариями
type CommentUseCase struct {
	repo      domain.CommentRepository
	publisher domain.Publisher
	logger    *slog.Logger
}

// NewCommentUseCase создает новый экземпляр CommentUseCase. Каждое
// изменение публикуется в publisher, если он задан.
func NewCommentUseCase(repo domain.CommentRepository, publisher domain.Publisher, logger *slog.Logger) *CommentUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommentUseCase{repo: repo, publisher: publisher, logger: logger}
}

// Create создает новый комментарий
func (uc *CommentUseCase) Create(ctx context.Context, in domain.CreateCommentInput) (*domain.Comment, error) {
	if strings.TrimSpace(in.ThreadID) == "" {
		return nil, domain.ErrEmptyThread
	}
	if strings.TrimSpace(in.AuthorID) == "" {
		return nil, domain.ErrEmptyAuthor
	}
	if err := validateContent(in.Content); err != nil {
		return nil, err
	}

	if in.ParentID != nil {
		parent, err := uc.repo.GetByID(ctx, *in.ParentID)
		if errors.Is(err, domain.ErrCommentNotFound) {
			return nil, domain.ErrInvalidParent
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get parent comment: %w", err)
		}
		if parent.Deleted || parent.ThreadID != in.ThreadID {
			return nil, domain.ErrInvalidParent
		}
	}

	if in.IntentKey == "" {
		in.IntentKey = ulid.Make().String()
	}
	comment := &domain.Comment{
		ThreadID:  in.ThreadID,
		AuthorID:  in.AuthorID,
		ParentID:  in.ParentID,
		Content:   in.Content,
		IntentKey: in.IntentKey,
	}

	created, err := uc.repo.Create(ctx, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	if created {
		uc.publish(comment.ThreadID, domain.Event{Op: domain.EventInsert, Record: *comment, IntentKey: comment.IntentKey})
	} else {
		uc.logger.Debug("duplicate create request", "intent_key", in.IntentKey, "comment_id", comment.ID)
	}
	return comment, nil
}

// ListThread возвращает все записи треда; ViewerHasLiked заполняется для viewerID
func (uc *CommentUseCase) ListThread(ctx context.Context, threadID, viewerID string) ([]domain.Comment, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, domain.ErrEmptyThread
	}
	comments, err := uc.repo.ListThread(ctx, threadID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread: %w", err)
	}
	return comments, nil
}

// Update заменяет текст комментария
func (uc *CommentUseCase) Update(ctx context.Context, id int64, content string) (*domain.Comment, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	comment, err := uc.repo.UpdateContent(ctx, id, content)
	if err != nil {
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	uc.publish(comment.ThreadID, domain.Event{Op: domain.EventUpdate, Record: *comment})
	return comment, nil
}

// Delete помечает комментарий удалённым; ответы остаются в треде
func (uc *CommentUseCase) Delete(ctx context.Context, id int64) error {
	comment, err := uc.repo.SoftDelete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	uc.publish(comment.ThreadID, domain.Event{Op: domain.EventDelete, Record: *comment})
	return nil
}

// SetLike устанавливает или снимает отметку пользователя
func (uc *CommentUseCase) SetLike(ctx context.Context, id int64, userID string, liked bool, intentKey string) (*domain.LikeState, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrEmptyAuthor
	}
	if intentKey == "" {
		intentKey = ulid.Make().String()
	}

	comment, changed, err := uc.repo.SetLike(ctx, id, userID, liked, intentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to set like: %w", err)
	}

	state := &domain.LikeState{
		CommentID: comment.ID,
		LikeCount: comment.LikeCount,
		Liked:     comment.ViewerHasLiked,
		Version:   comment.Version,
	}
	if changed {
		uc.publish(comment.ThreadID, domain.Event{Op: domain.EventUpdate, Record: *comment, IntentKey: intentKey})
	}
	return state, nil
}

func (uc *CommentUseCase) publish(threadID string, event domain.Event) {
	if uc.publisher == nil {
		return
	}
	// отметка зрителя не должна уходить другим подписчикам
	event.Record.ViewerHasLiked = false
	uc.publisher.Publish(threadID, event)
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return domain.ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return domain.ErrContentTooLong
	}
	return nil
}
