package thread

import (
	"context"
	"sync"
)

// Future результат асинхронного намерения. Разрешается ровно один раз:
// nil при подтверждении либо ошибкой одного из видов отказа.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done закрывается после разрешения
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err возвращает результат; до закрытия Done всегда nil
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait ждёт разрешения или отмены ctx
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
