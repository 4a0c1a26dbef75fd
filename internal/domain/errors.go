package domain

import "errors"

// Sentinel ошибки доменного слоя
var (
	ErrCommentNotFound = errors.New("comment not found")
	ErrInvalidParent   = errors.New("invalid parent comment")
	ErrEmptyContent    = errors.New("comment content cannot be empty")
	ErrContentTooLong  = errors.New("comment content is too long")
	ErrEmptyThread     = errors.New("thread id cannot be empty")
	ErrEmptyAuthor     = errors.New("author id cannot be empty")
)
