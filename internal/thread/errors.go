package thread

import (
	"errors"
	"fmt"
)

// Виды отказов. Каждая ошибка мутации раскрывается ровно в один из них.
var (
	ErrLocalPrecondition = errors.New("local precondition failed")
	ErrNetwork           = errors.New("network error")
	ErrRejected          = errors.New("rejected by remote store")
	ErrConflict          = errors.New("conflict with remote state")
	ErrChannelDegraded   = errors.New("push channel degraded")
)

var (
	ErrNotFound       = errors.New("comment not found")
	ErrParentNotFound = errors.New("parent comment not found")
	ErrParentDeleted  = errors.New("parent comment was deleted")
	ErrEmptyContent   = errors.New("comment content cannot be empty")
	ErrEditFailed     = errors.New("edit failed")
	ErrDuplicateID    = errors.New("comment id already present")
	ErrInvalidComment = errors.New("invalid comment")
	ErrViewClosed     = errors.New("thread view closed")
)

// MutationError описывает отказ пользовательского намерения
type MutationError struct {
	Op   Op
	ID   ID
	Kind error
	Err  error
}

func (e *MutationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.ID, e.Kind, e.Err)
}

func (e *MutationError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Op == OpEdit && e.Kind != ErrLocalPrecondition {
		errs = append(errs, ErrEditFailed)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable сообщает, имеет ли смысл повторить то же намерение
func (e *MutationError) Retryable() bool {
	return e.Kind == ErrNetwork
}

func precondition(op Op, id ID, err error) *MutationError {
	return &MutationError{Op: op, ID: id, Kind: ErrLocalPrecondition, Err: err}
}

// classify сводит ошибку удалённого вызова к одному из видов отказа.
// Всё, что не опознано как отказ по бизнес-правилам или конфликт, считается
// сетевой ошибкой, в том числе истёкший таймаут.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrRejected):
		return ErrRejected
	case errors.Is(err, ErrConflict):
		return ErrConflict
	default:
		return ErrNetwork
	}
}

// KindOf возвращает вид отказа для ошибки, полученной из Future
func KindOf(err error) error {
	for _, kind := range []error{ErrLocalPrecondition, ErrRejected, ErrConflict, ErrChannelDegraded, ErrNetwork} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func kindLabel(kind error) string {
	switch kind {
	case ErrLocalPrecondition:
		return "local_precondition"
	case ErrRejected:
		return "rejected"
	case ErrConflict:
		return "conflict"
	case ErrChannelDegraded:
		return "channel_degraded"
	default:
		return "network"
	}
}
