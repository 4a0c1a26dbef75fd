package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/oziev02/commentsync/internal/domain"
	"github.com/oziev02/commentsync/internal/usecase"
)

// UserHeader заголовок с идентификатором действующего пользователя
const UserHeader = "X-User-ID"

var validate = validator.New()

// CommentHandler обрабатывает HTTP запросы для комментариев
type CommentHandler struct {
	useCase *usecase.CommentUseCase
	logger  *slog.Logger
}

// NewCommentHandler создает новый экземпляр CommentHandler
func NewCommentHandler(useCase *usecase.CommentUseCase, logger *slog.Logger) *CommentHandler {
	return &CommentHandler{useCase: useCase, logger: logger}
}

// CreateCommentRequest DTO для создания комментария
type CreateCommentRequest struct {
	ParentID  *int64 `json:"parent_id" validate:"omitempty,gt=0"`
	Content   string `json:"content" validate:"required"`
	IntentKey string `json:"intent_key" validate:"omitempty,max=64,printascii"`
}

// UpdateCommentRequest DTO для изменения текста
type UpdateCommentRequest struct {
	Content string `json:"content" validate:"required"`
}

// SetLikeRequest DTO для установки отметки
type SetLikeRequest struct {
	Liked     *bool  `json:"liked" validate:"required"`
	IntentKey string `json:"intent_key" validate:"omitempty,max=64,printascii"`
}

// CommentResponse DTO для ответа с комментарием
type CommentResponse struct {
	ID             int64  `json:"id"`
	ThreadID       string `json:"thread_id"`
	AuthorID       string `json:"author_id"`
	ParentID       *int64 `json:"parent_id,omitempty"`
	Content        string `json:"content"`
	LikeCount      int    `json:"like_count"`
	Version        int64  `json:"version"`
	IntentKey      string `json:"intent_key,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
	ViewerHasLiked bool   `json:"viewer_has_liked,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// List обрабатывает GET /threads/{thread}/comments
func (h *CommentHandler) List(w http.ResponseWriter, r *http.Request) {
	comments, err := h.useCase.ListThread(r.Context(), r.PathValue("thread"), r.Header.Get(UserHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response := make([]CommentResponse, 0, len(comments))
	for i := range comments {
		response = append(response, toCommentResponse(&comments[i]))
	}
	writeJSON(w, http.StatusOK, response)
}

// Create обрабатывает POST /threads/{thread}/comments
func (h *CommentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCommentRequest
	if !decode(w, r, &req) {
		return
	}

	comment, err := h.useCase.Create(r.Context(), domain.CreateCommentInput{
		ThreadID:  r.PathValue("thread"),
		ParentID:  req.ParentID,
		Content:   req.Content,
		AuthorID:  r.Header.Get(UserHeader),
		IntentKey: req.IntentKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCommentResponse(comment))
}

// Update обрабатывает PATCH /comments/{id}
func (h *CommentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := commentID(w, r)
	if !ok {
		return
	}
	var req UpdateCommentRequest
	if !decode(w, r, &req) {
		return
	}

	comment, err := h.useCase.Update(r.Context(), id, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toCommentResponse(comment))
}

// Delete обрабатывает DELETE /comments/{id}
func (h *CommentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := commentID(w, r)
	if !ok {
		return
	}

	if err := h.useCase.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetLike обрабатывает PUT /comments/{id}/like
func (h *CommentHandler) SetLike(w http.ResponseWriter, r *http.Request) {
	id, ok := commentID(w, r)
	if !ok {
		return
	}
	var req SetLikeRequest
	if !decode(w, r, &req) {
		return
	}

	state, err := h.useCase.SetLike(r.Context(), id, r.Header.Get(UserHeader), *req.Liked, req.IntentKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (h *CommentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptyContent),
		errors.Is(err, domain.ErrEmptyThread),
		errors.Is(err, domain.ErrEmptyAuthor):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrContentTooLong):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrCommentNotFound),
		errors.Is(err, domain.ErrInvalidParent):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func commentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid comment id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// toCommentResponse преобразует domain.Comment в CommentResponse
func toCommentResponse(c *domain.Comment) CommentResponse {
	return CommentResponse{
		ID:             c.ID,
		ThreadID:       c.ThreadID,
		AuthorID:       c.AuthorID,
		ParentID:       c.ParentID,
		Content:        c.Content,
		LikeCount:      c.LikeCount,
		Version:        c.Version,
		IntentKey:      c.IntentKey,
		Deleted:        c.Deleted,
		ViewerHasLiked: c.ViewerHasLiked,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339Nano),
	}
}
