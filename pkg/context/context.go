// Package context carries request and job tracing values through
// context.Context.
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context keys for request tracing.
// Using unexported struct pointers prevents key collisions.
var (
	requestIDKey = &struct{}{}
	operationKey = &struct{}{}
	jobIDKey     = &struct{}{}
	startTimeKey = &struct{}{}
)

// WithRequestID adds a request ID to the context
func WithRequestID(parent context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	return context.WithValue(parent, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name from context
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok {
		return op
	}
	return ""
}

// WithJobID records the engine job a request was turned into
func WithJobID(parent context.Context, jobID string) context.Context {
	return context.WithValue(parent, jobIDKey, jobID)
}

// GetJobID retrieves the job ID from context
func GetJobID(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey).(string); ok {
		return id
	}
	return ""
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetDuration returns the time elapsed since the start time in context,
// or zero when none was recorded.
func GetDuration(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

// GenerateRequestID creates a new unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.New().String()
}

// EnrichContext adds a request ID when missing and stamps the start time
func EnrichContext(parent context.Context, operation string) context.Context {
	ctx := parent
	if GetRequestID(ctx) == "" {
		ctx = WithRequestID(ctx, GenerateRequestID())
	}
	if operation != "" {
		ctx = WithOperation(ctx, operation)
	}
	return WithStartTime(ctx, time.Now())
}
