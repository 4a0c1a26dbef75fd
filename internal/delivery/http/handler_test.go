package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oziev02/commentsync/internal/domain"
	"github.com/oziev02/commentsync/internal/infrastructure/memory"
	"github.com/oziev02/commentsync/internal/infrastructure/pubsub"
	"github.com/oziev02/commentsync/internal/usecase"
)

func newTestServer(t *testing.T) (*httptest.Server, *pubsub.Hub) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	registry := prometheus.NewRegistry()
	hub := pubsub.NewHub(8, registry, logger)
	uc := usecase.NewCommentUseCase(memory.NewRepository(), hub, logger)
	corsPolicy := NewCORS([]string{"http://app.example"})
	mux := NewRouter(uc, hub, registry, logger, corsPolicy.OriginAllowed)

	srv := httptest.NewServer(LoggingMiddleware(logger, corsPolicy.Handler(mux)))
	t.Cleanup(srv.Close)
	return srv, hub
}

func send(t *testing.T, srv *httptest.Server, method, path, user, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCommentHandler_CreateListAndReply(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := send(t, srv, http.MethodPost, "/threads/t1/comments", "alice", `{"content":"root","intent_key":"01A"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	root := decodeBody[CommentResponse](t, resp)
	assert.Equal(t, "alice", root.AuthorID)
	assert.Equal(t, "t1", root.ThreadID)
	assert.Equal(t, int64(1), root.Version)

	// повтор с тем же ключом возвращает ту же запись
	resp = send(t, srv, http.MethodPost, "/threads/t1/comments", "alice", `{"content":"root","intent_key":"01A"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, root.ID, decodeBody[CommentResponse](t, resp).ID)

	body := `{"content":"reply","parent_id":` + jsonInt(root.ID) + `}`
	resp = send(t, srv, http.MethodPost, "/threads/t1/comments", "bob", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = send(t, srv, http.MethodGet, "/threads/t1/comments", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]CommentResponse](t, resp)
	require.Len(t, list, 2)
	assert.Equal(t, root.ID, list[0].ID)
	require.NotNil(t, list[1].ParentID)
	assert.Equal(t, root.ID, *list[1].ParentID)
}

func TestCommentHandler_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/threads/t1/comments", "alice", `{`, http.StatusBadRequest},
		{"missing content", http.MethodPost, "/threads/t1/comments", "alice", `{}`, http.StatusBadRequest},
		{"blank content", http.MethodPost, "/threads/t1/comments", "alice", `{"content":"   "}`, http.StatusBadRequest},
		{"missing author", http.MethodPost, "/threads/t1/comments", "", `{"content":"x"}`, http.StatusBadRequest},
		{"unknown parent", http.MethodPost, "/threads/t1/comments", "alice", `{"content":"x","parent_id":99}`, http.StatusNotFound},
		{"too long", http.MethodPost, "/threads/t1/comments", "alice", `{"content":"` + strings.Repeat("a", usecase.MaxContentLength+1) + `"}`, http.StatusUnprocessableEntity},
		{"bad id", http.MethodPatch, "/comments/abc", "alice", `{"content":"x"}`, http.StatusBadRequest},
		{"edit missing", http.MethodPatch, "/comments/5", "alice", `{"content":"x"}`, http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/comments/5", "alice", "", http.StatusNotFound},
		{"like without flag", http.MethodPut, "/comments/5/like", "alice", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := send(t, srv, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCommentHandler_EditDeleteLike(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := send(t, srv, http.MethodPost, "/threads/t1/comments", "alice", `{"content":"root"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	root := decodeBody[CommentResponse](t, resp)
	path := "/comments/" + jsonInt(root.ID)

	resp = send(t, srv, http.MethodPut, path+"/like", "bob", `{"liked":true,"intent_key":"01B"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decodeBody[domain.LikeState](t, resp)
	assert.Equal(t, 1, state.LikeCount)
	assert.True(t, state.Liked)

	resp = send(t, srv, http.MethodPatch, path, "alice", `{"content":"edited"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	edited := decodeBody[CommentResponse](t, resp)
	assert.Equal(t, "edited", edited.Content)
	assert.Equal(t, 1, edited.LikeCount)

	resp = send(t, srv, http.MethodDelete, path, "alice", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = send(t, srv, http.MethodGet, "/threads/t1/comments", "bob", "")
	list := decodeBody[[]CommentResponse](t, resp)
	require.Len(t, list, 1)
	assert.True(t, list[0].Deleted)
	assert.Empty(t, list[0].Content)
	assert.False(t, list[0].ViewerHasLiked)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/comments/1", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	send(t, srv, http.MethodPost, "/threads/t1/comments", "alice", `{"content":"root"}`)

	resp := send(t, srv, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "commentsync_pubsub_events_published_total 1")
}

func TestEventsHandler_StreamsThreadEvents(t *testing.T) {
	srv, hub := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/threads/t1/events"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	// подписка оформлена до ответа на рукопожатие, ждать её не нужно
	require.Equal(t, 1, hub.Subscribers("t1"))

	send(t, srv, http.MethodPost, "/threads/t2/comments", "alice", `{"content":"elsewhere"}`)
	send(t, srv, http.MethodPost, "/threads/t1/comments", "alice", `{"content":"hello","intent_key":"01K"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventInsert, ev.Op)
	assert.Equal(t, "hello", ev.Record.Content)
	assert.Equal(t, "01K", ev.IntentKey)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("t1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsHandler_RejectsForeignOrigin(t *testing.T) {
	srv, hub := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/threads/t1/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Eventually(t, func() bool { return hub.Subscribers("t1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
