package logger

import (
	"context"

	ecxt "github.com/enginehost/enginehost/pkg/context"
)

// ContextFields extracts tracing fields from ctx.
func ContextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	var fields []Field
	if requestID := ecxt.GetRequestID(ctx); requestID != "" {
		fields = append(fields, WithField("request_id", requestID))
	}
	if operation := ecxt.GetOperation(ctx); operation != "" {
		fields = append(fields, WithField("operation", operation))
	}
	if jobID := ecxt.GetJobID(ctx); jobID != "" {
		fields = append(fields, WithField("job_id", jobID))
	}
	if duration := ecxt.GetDuration(ctx); duration > 0 {
		fields = append(fields, WithField("duration_ms", duration.Milliseconds()))
	}
	return fields
}

// WithContext creates a logger that automatically includes context fields
func WithContext(ctx context.Context, log Logger) Logger {
	if ctx == nil {
		return log
	}
	return &contextualLogger{ctx: ctx, logger: log}
}

// contextualLogger wraps a logger with automatic context field extraction
type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) fields(fields []Field) []Field {
	return append(ContextFields(cl.ctx), fields...)
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.logger.Error(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, cl.fields(fields)...)
}

func (cl *contextualLogger) WithComponent(component string) Logger {
	return &contextualLogger{
		ctx:    cl.ctx,
		logger: cl.logger.WithComponent(component),
	}
}
