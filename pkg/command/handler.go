package command

import (
	"context"

	"github.com/plaenen/eventengine/pkg/domain"
)

// Envelope is a command together with the caller's execution options.
type Envelope struct {
	Command domain.Command

	// CommandID is the caller-assigned idempotency key. It becomes the
	// causation id of the produced events and seeds their ids.
	CommandID string

	// ExpectedVersion is only checked when HasExpectedVersion is set.
	ExpectedVersion    uint64
	HasExpectedVersion bool

	CorrelationID string
	PrincipalID   string
	Custom        map[string]string
}

// Handler executes an envelope.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) (*Result, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, env *Envelope) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) (*Result, error) {
	return f(ctx, env)
}

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Chain wraps h so that the first middleware is the outermost.
func Chain(h Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// ExecOption sets envelope fields on ExecuteCommand.
type ExecOption func(*Envelope)

// WithExpectedVersion rejects the command unless the aggregate is at v.
func WithExpectedVersion(v uint64) ExecOption {
	return func(e *Envelope) {
		e.ExpectedVersion = v
		e.HasExpectedVersion = true
	}
}

func WithCommandID(id string) ExecOption {
	return func(e *Envelope) { e.CommandID = id }
}

func WithCorrelationID(id string) ExecOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

func WithPrincipal(id string) ExecOption {
	return func(e *Envelope) { e.PrincipalID = id }
}

// WithMetadata adds a custom metadata entry to the produced events.
func WithMetadata(key, value string) ExecOption {
	return func(e *Envelope) {
		if e.Custom == nil {
			e.Custom = make(map[string]string)
		}
		e.Custom[key] = value
	}
}
