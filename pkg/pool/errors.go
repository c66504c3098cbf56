package pool

import "errors"

var (
	// ErrPoolClosed is returned by Execute once the pool's queue no longer accepts work.
	ErrPoolClosed = errors.New("pool closed")
	// ErrInvalidSize is returned by New for sizing limits the pool cannot honour.
	ErrInvalidSize = errors.New("invalid pool size")
	// ErrNilTask is returned by Execute when handed a nil task.
	ErrNilTask = errors.New("nil task")
)
