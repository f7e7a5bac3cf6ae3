// Package logging provides the per-cycle context ID used to correlate all
// log lines of one engine cycle.
package logging

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ContextKey defines the context key type.
type ContextKey string

// ContextIDKey holds the key of the context ID.
const ContextIDKey ContextKey = "ctx_id"

// NewContext returns ctx with a fresh context ID attached.
func NewContext(ctx context.Context) (context.Context, error) {
	ctxID, err := uuid.NewV4()
	if err != nil {
		return ctx, errors.Wrap(err, "new uuid error")
	}
	return context.WithValue(ctx, ContextIDKey, ctxID), nil
}

// ContextID returns the context ID, or a nil UUID when none is set.
func ContextID(ctx context.Context) uuid.UUID {
	ctxID, ok := ctx.Value(ContextIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return ctxID
}
