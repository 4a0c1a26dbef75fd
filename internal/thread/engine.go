package thread

import (
	"context"
	"errors"
	"iter"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrEngineClosed возвращается при открытии треда после Close
var ErrEngineClosed = errors.New("engine closed")

// Engine держит открытые представления тредов одного пользователя
type Engine struct {
	viewerID string
	remote   RemoteStore
	opts     []Option

	mu      sync.Mutex
	views   map[string]*View
	closed  bool
	opening singleflight.Group
}

// NewEngine создает движок. Опции применяются к каждому открываемому треду.
func NewEngine(viewerID string, remote RemoteStore, opts ...Option) *Engine {
	return &Engine{
		viewerID: viewerID,
		remote:   remote,
		opts:     opts,
		views:    make(map[string]*View),
	}
}

// Open открывает тред или возвращает уже открытое представление.
// Одновременные вызовы для одного треда ждут первого и получают его результат;
// представление становится видимым только после загрузки.
func (e *Engine) Open(ctx context.Context, threadID string) (*View, error) {
	if v, err := e.opened(threadID); v != nil || err != nil {
		return v, err
	}
	res, err, _ := e.opening.Do(threadID, func() (any, error) {
		if v, err := e.opened(threadID); v != nil || err != nil {
			return v, err
		}
		v := NewView(threadID, e.viewerID, e.remote, e.opts...)
		if err := v.Open(ctx); err != nil {
			v.Close()
			return nil, err
		}

		e.mu.Lock()
		closed := e.closed
		if !closed {
			e.views[threadID] = v
		}
		e.mu.Unlock()
		if closed {
			v.Close()
			return nil, ErrEngineClosed
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*View), nil
}

func (e *Engine) opened(threadID string) (*View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	return e.views[threadID], nil
}

// View возвращает открытое представление треда
func (e *Engine) View(threadID string) (*View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[threadID]
	return v, ok
}

// ThreadView лениво перечисляет корни открытого треда; для закрытого
// треда последовательность пуста
func (e *Engine) ThreadView(threadID string) iter.Seq[Comment] {
	return func(yield func(Comment) bool) {
		v, ok := e.View(threadID)
		if !ok {
			return
		}
		v.Roots()(yield)
	}
}

// Dispatch передаёт намерение представлению треда
func (e *Engine) Dispatch(threadID string, intent Intent) *Future {
	v, ok := e.View(threadID)
	if !ok {
		var op Op
		if intent != nil {
			op = intent.Op()
		}
		return resolvedFuture(precondition(op, ID{}, ErrViewClosed))
	}
	return v.Dispatch(intent)
}

// CloseThread закрывает представление треда, отбрасывая неподтверждённое
// состояние
func (e *Engine) CloseThread(threadID string) {
	e.mu.Lock()
	v, ok := e.views[threadID]
	delete(e.views, threadID)
	e.mu.Unlock()
	if ok {
		v.Close()
	}
}

// Close закрывает все представления
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	views := e.views
	e.views = make(map[string]*View)
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, v := range views {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Close()
		}()
	}
	wg.Wait()
}
