package book

import "errors"

var (
	// ErrPoolExhausted is returned by Apply when an Add cannot allocate a
	// node. It is fatal for the replay that raised it.
	ErrPoolExhausted = errors.New("order pool exhausted")

	// ErrDuplicateOrder is returned by Apply in strict mode when an Add
	// reuses a resident order id. Outside strict mode the event is counted
	// and ignored.
	ErrDuplicateOrder = errors.New("duplicate order id")
)
