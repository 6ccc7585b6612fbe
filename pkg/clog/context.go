// Package clog wires request-scoped attributes into log/slog. Handlers
// and middleware accumulate attributes on the context; the handler
// attaches them to every record emitted under that context.
package clog

import (
	"context"
	"sync"
)

type ctxSlog struct {
	mu         sync.RWMutex
	attributes map[string]any
}

type ctxSlogKey struct{}

// ContextWithSlog returns a child context carrying a fresh attribute
// set. Attributes added later through this context show up on every
// log record emitted with it.
func ContextWithSlog(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxSlogKey{}, &ctxSlog{
		attributes: make(map[string]any),
	})
}

// AddAttribute records a single attribute on the context, if the
// context carries an attribute set. A plain context is a no-op.
func AddAttribute(ctx context.Context, key string, value any) {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attributes[key] = value
}

// AddAttributes merges attributes into the context's attribute set.
func AddAttributes(ctx context.Context, attributes map[string]any) {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range attributes {
		l.attributes[k] = v
	}
}

// GetAttributes returns a copy of the context's attribute set, or nil.
func GetAttributes(ctx context.Context) map[string]any {
	l, ok := ctx.Value(ctxSlogKey{}).(*ctxSlog)
	if !ok {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	copied := make(map[string]any, len(l.attributes))
	for k, v := range l.attributes {
		copied[k] = v
	}
	return copied
}

const (
	// ErrorAttributeKey carries the error message of a failed request.
	ErrorAttributeKey = "error.message"
	// StackAttributeKey carries a captured stack trace.
	StackAttributeKey = "error.stack"
)

// AddError records err on the context's attribute set.
func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err)
}

// AddStack records a stack trace on the context's attribute set.
func AddStack(ctx context.Context, stack string) {
	AddAttribute(ctx, StackAttributeKey, stack)
}
