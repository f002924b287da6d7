// Package interceptor implements the ordered pipeline a message or intent
// passes before it reaches its subscribers.
package interceptor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Handler continues processing of an item
type Handler[T any] interface {
	Handle(ctx context.Context, item T) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc[T any] func(ctx context.Context, item T) error

// Handle implements Handler
func (f HandlerFunc[T]) Handle(ctx context.Context, item T) error {
	return f(ctx, item)
}

// Interceptor may transform an item and pass it on through next, answer
// it itself by not calling next, or reject it by returning an error
type Interceptor[T any] interface {
	Intercept(ctx context.Context, item T, next Handler[T]) error
}

// Func is a function adapter for Interceptor
type Func[T any] func(ctx context.Context, item T, next Handler[T]) error

// Intercept implements Interceptor
func (f Func[T]) Intercept(ctx context.Context, item T, next Handler[T]) error {
	return f(ctx, item, next)
}

// Chain runs interceptors in registration order and ends in a fixed
// terminal handler
type Chain[T any] struct {
	head Handler[T]
	size int
}

// NewChain builds the chain once; interceptors[0] runs first
func NewChain[T any](terminal Handler[T], interceptors ...Interceptor[T]) *Chain[T] {
	next := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		next = link[T]{interceptor: interceptors[i], next: next}
	}
	return &Chain[T]{head: next, size: len(interceptors)}
}

// Handle passes the item through the chain. A panicking interceptor or
// terminal is reported as an error.
func (c *Chain[T]) Handle(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interceptor chain panicked: %v", r)
		}
	}()
	return c.head.Handle(ctx, item)
}

// Len returns the number of interceptors, excluding the terminal handler
func (c *Chain[T]) Len() int {
	return c.size
}

type link[T any] struct {
	interceptor Interceptor[T]
	next        Handler[T]
}

func (l link[T]) Handle(ctx context.Context, item T) error {
	return l.interceptor.Intercept(ctx, item, l.next)
}

// Logging returns an interceptor that logs every item and its outcome at
// debug level
func Logging[T any](log zerolog.Logger, describe func(T) string) Interceptor[T] {
	return Func[T](func(ctx context.Context, item T, next Handler[T]) error {
		start := time.Now()
		err := next.Handle(ctx, item)
		event := log.Debug()
		if err != nil {
			event = event.Err(err)
		}
		event.
			Str("item", describe(item)).
			Dur("duration", time.Since(start)).
			Msg("Dispatched")
		return err
	})
}
