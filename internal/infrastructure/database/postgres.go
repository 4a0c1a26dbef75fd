package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oziev02/commentsync/internal/domain"
)

const commentColumns = `
	c.id, c.thread_id, c.author_id, c.parent_id, c.content, c.like_count,
	c.version, COALESCE(c.intent_key, ''), c.deleted_at IS NOT NULL,
	c.created_at, c.updated_at`

// PostgresRepository реализует CommentRepository для PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создает новый экземпляр PostgresRepository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Create создает новый комментарий. Повтор с уже сохранённым ключом
// намерения возвращает существующую запись.
func (r *PostgresRepository) Create(ctx context.Context, comment *domain.Comment) (bool, error) {
	query := `
		INSERT INTO comments AS c (thread_id, author_id, parent_id, content, intent_key)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (intent_key) DO NOTHING
		RETURNING ` + commentColumns

	row := r.pool.QueryRow(ctx, query,
		comment.ThreadID,
		comment.AuthorID,
		comment.ParentID,
		comment.Content,
		comment.IntentKey,
	)
	created, err := scanComment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.getByIntentKey(ctx, comment.IntentKey)
		if err != nil {
			return false, fmt.Errorf("failed to get comment by intent key: %w", err)
		}
		*comment = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create comment: %w", err)
	}

	*comment = *created
	return true, nil
}

// GetByID получает комментарий по ID
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments c WHERE c.id = $1`

	comment, err := scanComment(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	return comment, nil
}

func (r *PostgresRepository) getByIntentKey(ctx context.Context, key string) (*domain.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments c WHERE c.intent_key = $1`

	comment, err := scanComment(r.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommentNotFound
	}
	return comment, err
}

// ListThread возвращает все записи треда по возрастанию времени создания,
// включая удалённые: у них могут оставаться ответы
func (r *PostgresRepository) ListThread(ctx context.Context, threadID, viewerID string) ([]domain.Comment, error) {
	query := `
		SELECT ` + commentColumns + `, COALESCE(l.liked, false)
		FROM comments c
		LEFT JOIN comment_likes l ON l.comment_id = c.id AND l.user_id = $2
		WHERE c.thread_id = $1
		ORDER BY c.created_at, c.id
	`

	rows, err := r.pool.Query(ctx, query, threadID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread: %w", err)
	}
	defer rows.Close()

	comments := make([]domain.Comment, 0)
	for rows.Next() {
		var liked bool
		comment, err := scanComment(rows, &liked)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comment.ViewerHasLiked = liked && !comment.Deleted
		comments = append(comments, *comment)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return comments, nil
}

// UpdateContent заменяет текст комментария и увеличивает версию
func (r *PostgresRepository) UpdateContent(ctx context.Context, id int64, content string) (*domain.Comment, error) {
	query := `
		UPDATE comments c
		SET content = $2, version = version + 1, updated_at = now()
		WHERE c.id = $1 AND c.deleted_at IS NULL
		RETURNING ` + commentColumns

	comment, err := scanComment(r.pool.QueryRow(ctx, query, id, content))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	return comment, nil
}

// SoftDelete помечает комментарий удалённым. Ответы остаются в треде.
func (r *PostgresRepository) SoftDelete(ctx context.Context, id int64) (*domain.Comment, error) {
	query := `
		UPDATE comments c
		SET deleted_at = now(), content = '', version = version + 1, updated_at = now()
		WHERE c.id = $1 AND c.deleted_at IS NULL
		RETURNING ` + commentColumns

	comment, err := scanComment(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete comment: %w", err)
	}
	return comment, nil
}

// SetLike устанавливает отметку пользователя. Запрос применяется, только
// если его ключ намерения больше уже сохранённого, поэтому запоздавший
// устаревший запрос не перезапишет более новый.
func (r *PostgresRepository) SetLike(ctx context.Context, id int64, userID string, liked bool, intentKey string) (*domain.Comment, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deleted bool
	err = tx.QueryRow(ctx, `SELECT deleted_at IS NOT NULL FROM comments WHERE id = $1 FOR UPDATE`, id).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) || deleted {
		return nil, false, domain.ErrCommentNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock comment: %w", err)
	}

	var prev bool
	err = tx.QueryRow(ctx,
		`SELECT liked FROM comment_likes WHERE comment_id = $1 AND user_id = $2`, id, userID,
	).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to get like: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO comment_likes (comment_id, user_id, liked, intent_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (comment_id, user_id) DO UPDATE
		SET liked = EXCLUDED.liked, intent_key = EXCLUDED.intent_key, updated_at = now()
		WHERE comment_likes.intent_key < EXCLUDED.intent_key
	`, id, userID, liked, intentKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to set like: %w", err)
	}

	current := prev
	if tag.RowsAffected() == 1 {
		current = liked
	}
	changed := current != prev
	if changed {
		delta := 1
		if !current {
			delta = -1
		}
		_, err = tx.Exec(ctx, `
			UPDATE comments
			SET like_count = GREATEST(like_count + $2, 0), version = version + 1, updated_at = now()
			WHERE id = $1
		`, id, delta)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update like count: %w", err)
		}
	}

	comment, err := scanComment(tx.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments c WHERE c.id = $1`, id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get comment: %w", err)
	}
	comment.ViewerHasLiked = current

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit like: %w", err)
	}
	return comment, changed, nil
}

func scanComment(row pgx.Row, extra ...any) (*domain.Comment, error) {
	var comment domain.Comment
	var parentID sql.NullInt64

	dest := []any{
		&comment.ID,
		&comment.ThreadID,
		&comment.AuthorID,
		&parentID,
		&comment.Content,
		&comment.LikeCount,
		&comment.Version,
		&comment.IntentKey,
		&comment.Deleted,
		&comment.CreatedAt,
		&comment.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if parentID.Valid {
		comment.ParentID = &parentID.Int64
	}
	if comment.Deleted {
		comment.Content = ""
	}
	return &comment, nil
}
