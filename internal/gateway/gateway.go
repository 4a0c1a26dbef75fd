// Package gateway поддерживает подписку на push-канал треда: переподключается
// с экспоненциальной задержкой и сообщает о каждой новой подписке, чтобы
// владелец мог выполнить полную ресинхронизацию.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/oziev02/commentsync/internal/domain"
)

// State состояние подписки
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrGaveUp возвращается из Run, когда исчерпан лимит попыток подключения
var ErrGaveUp = errors.New("push channel reconnect attempts exhausted")

// Stream поток событий одной подписки. Recv возвращает ошибку, когда поток
// оборвался; Close допускает повторный вызов.
type Stream interface {
	Recv() (domain.Event, error)
	Close() error
}

// PushChannel источник событий треда
type PushChannel interface {
	Subscribe(ctx context.Context, threadID string) (Stream, error)
}

// Handler получатель событий шлюза. Методы вызываются из горутины Run.
type Handler interface {
	HandleEvent(event domain.Event)
	// Subscribed вызывается после каждой успешной подписки
	Subscribed()
	// Degraded вызывается при потере или отказе подписки
	Degraded(err error)
}

// Config параметры переподключения
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts ограничивает число подряд неудачных подключений; 0 без ограничения
	MaxAttempts int
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Gateway подписка на push-канал одного треда
type Gateway struct {
	threadID string
	channel  PushChannel
	handler  Handler
	cfg      Config
	logger   *slog.Logger
	state    atomic.Int32
	onState  func(State)
}

// Option настраивает Gateway
type Option func(*Gateway)

// WithLogger задаёт логгер
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithStateObserver задаёт функцию, вызываемую при каждой смене состояния
func WithStateObserver(fn func(State)) Option {
	return func(g *Gateway) {
		g.onState = fn
	}
}

// New создает шлюз в состоянии Disconnected
func New(threadID string, channel PushChannel, handler Handler, cfg Config, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	g := &Gateway{
		threadID: threadID,
		channel:  channel,
		handler:  handler,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State возвращает текущее состояние
func (g *Gateway) State() State {
	return State(g.state.Load())
}

func (g *Gateway) setState(s State) {
	if State(g.state.Swap(int32(s))) == s {
		return
	}
	if g.onState != nil {
		g.onState(s)
	}
}

// Run держит подписку, пока не отменён ctx
func (g *Gateway) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialBackoff
	b.MaxInterval = g.cfg.MaxBackoff

	defer g.setState(Disconnected)

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.setState(Connecting)
		stream, err := g.channel.Subscribe(ctx, g.threadID)
		if err != nil {
			g.setState(Disconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			g.logger.Warn("push channel subscribe failed",
				"thread_id", g.threadID, "attempt", failures, "error", err)
			g.handler.Degraded(err)
			if g.cfg.MaxAttempts > 0 && failures >= g.cfg.MaxAttempts {
				return fmt.Errorf("subscribe thread %s: %w: %w", g.threadID, ErrGaveUp, err)
			}
			if !sleep(ctx, b.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		failures = 0
		b.Reset()
		g.setState(Subscribed)
		g.handler.Subscribed()

		err = g.consume(ctx, stream)
		g.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Info("push channel dropped", "thread_id", g.threadID, "error", err)
		g.handler.Degraded(err)
		if !sleep(ctx, b.NextBackOff()) {
			return ctx.Err()
		}
	}
}

func (g *Gateway) consume(ctx context.Context, stream Stream) error {
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer func() {
		stop()
		_ = stream.Close()
	}()

	for {
		event, err := stream.Recv()
		if err != nil {
			return err
		}
		g.handler.HandleEvent(event)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
