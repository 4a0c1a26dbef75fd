// Package client реализует доступ движка к серверу commentsync: REST для
// мутаций и снимков треда, websocket для push-канала.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/oziev02/commentsync/internal/domain"
	"github.com/oziev02/commentsync/internal/thread"
)

// UserHeader заголовок с идентификатором пользователя
const UserHeader = "X-User-ID"

// RemoteClient HTTP-клиент удалённого хранилища
type RemoteClient struct {
	baseURL *url.URL
	userID  string
	http    *http.Client
}

// RemoteOption настраивает RemoteClient
type RemoteOption func(*RemoteClient)

// WithHTTPClient подменяет HTTP-клиент
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteClient) {
		r.http = c
	}
}

// NewRemoteClient создает клиент сервера по адресу baseURL от имени userID
func NewRemoteClient(baseURL, userID string, opts ...RemoteOption) (*RemoteClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	r := &RemoteClient{baseURL: u, userID: userID, http: http.DefaultClient}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type createRequest struct {
	ParentID  *int64 `json:"parent_id,omitempty"`
	Content   string `json:"content"`
	IntentKey string `json:"intent_key,omitempty"`
}

type updateRequest struct {
	Content string `json:"content"`
}

type likeRequest struct {
	Liked     bool   `json:"liked"`
	IntentKey string `json:"intent_key,omitempty"`
}

// ListThread загружает снимок треда
func (r *RemoteClient) ListThread(ctx context.Context, threadID, viewerID string) ([]domain.Comment, error) {
	var comments []domain.Comment
	err := r.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/comments", viewerID, nil, &comments)
	if err != nil {
		return nil, fmt.Errorf("list thread %s: %w", threadID, err)
	}
	return comments, nil
}

// CreateComment создает комментарий; повтор с тем же ключом намерения
// возвращает уже созданную запись
func (r *RemoteClient) CreateComment(ctx context.Context, in domain.CreateCommentInput) (*domain.Comment, error) {
	author := in.AuthorID
	if author == "" {
		author = r.userID
	}
	body := createRequest{ParentID: in.ParentID, Content: in.Content, IntentKey: in.IntentKey}
	var c domain.Comment
	err := r.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(in.ThreadID)+"/comments", author, body, &c)
	if err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	return &c, nil
}

// UpdateComment заменяет текст комментария
func (r *RemoteClient) UpdateComment(ctx context.Context, id int64, content string) (*domain.Comment, error) {
	var c domain.Comment
	if err := r.do(ctx, http.MethodPatch, commentPath(id), r.userID, updateRequest{Content: content}, &c); err != nil {
		return nil, fmt.Errorf("update comment %d: %w", id, err)
	}
	return &c, nil
}

// DeleteComment удаляет комментарий
func (r *RemoteClient) DeleteComment(ctx context.Context, id int64) error {
	if err := r.do(ctx, http.MethodDelete, commentPath(id), r.userID, nil, nil); err != nil {
		return fmt.Errorf("delete comment %d: %w", id, err)
	}
	return nil
}

// SetLike устанавливает отметку пользователя
func (r *RemoteClient) SetLike(ctx context.Context, commentID int64, userID string, liked bool, intentKey string) (*domain.LikeState, error) {
	var state domain.LikeState
	body := likeRequest{Liked: liked, IntentKey: intentKey}
	if err := r.do(ctx, http.MethodPut, commentPath(commentID)+"/like", userID, body, &state); err != nil {
		return nil, fmt.Errorf("set like on %d: %w", commentID, err)
	}
	return &state, nil
}

func commentPath(id int64) string {
	return "/comments/" + strconv.FormatInt(id, 10)
}

func (r *RemoteClient) do(ctx context.Context, method, path, userID string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", thread.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return statusError(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", thread.ErrNetwork, err)
	}
	return nil
}

// statusError сводит код ответа к виду отказа движка
func statusError(status int, msg string) error {
	var kind error
	switch {
	case status == http.StatusNotFound, status == http.StatusConflict, status == http.StatusGone:
		kind = thread.ErrConflict
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		kind = thread.ErrRejected
	default:
		kind = thread.ErrNetwork
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("%w: status %d: %s", kind, status, msg)
}
