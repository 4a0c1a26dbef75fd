package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/oziev02/commentsync/internal/domain"
	"github.com/oziev02/commentsync/internal/gateway"
)

// PushClient подписка на события треда по websocket
type PushClient struct {
	baseURL *url.URL
	userID  string
	dialer  *websocket.Dialer
}

// NewPushClient создает push-клиент. baseURL тот же, что у RemoteClient;
// схема http(s) заменяется на ws(s).
func NewPushClient(baseURL, userID string) (*PushClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return &PushClient{baseURL: u, userID: userID, dialer: websocket.DefaultDialer}, nil
}

// Subscribe открывает поток событий треда
func (p *PushClient) Subscribe(ctx context.Context, threadID string) (gateway.Stream, error) {
	header := http.Header{}
	if p.userID != "" {
		header.Set(UserHeader, p.userID)
	}
	target := p.baseURL.String() + "/threads/" + url.PathEscape(threadID) + "/events"

	conn, resp, err := p.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", target, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &stream{conn: conn}, nil
}

type stream struct {
	conn  *websocket.Conn
	close sync.Once
	err   error
}

// Recv читает следующее событие; ping-кадры сервера обрабатывает websocket.Conn
func (s *stream) Recv() (domain.Event, error) {
	var event domain.Event
	if err := s.conn.ReadJSON(&event); err != nil {
		return domain.Event{}, fmt.Errorf("read push event: %w", err)
	}
	return event, nil
}

func (s *stream) Close() error {
	s.close.Do(func() {
		s.err = s.conn.Close()
	})
	return s.err
}
