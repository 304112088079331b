package logger_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	ecxt "github.com/enginehost/enginehost/pkg/context"
	"github.com/enginehost/enginehost/pkg/logger"
)

func TestCreateLogger(t *testing.T) {
	log := logger.CreateLogger("", "info")
	if log == nil {
		t.Fatal("expected logger to be created")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.WithComponent("dispatcher").Info("engine thread started")

	output := buf.String()
	if !strings.Contains(output, "[dispatcher]") {
		t.Errorf("expected component prefix in output, got %q", output)
	}
	if !strings.Contains(output, "engine thread started") {
		t.Error("expected message in log output")
	}
}

func TestLogger_FieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Warn("job overdue",
		logger.WithField("wait_ms", 2500),
		logger.WithField("job", "probe"),
		logger.WithError(errors.New("late")),
	)

	output := buf.String()
	if !strings.Contains(output, "{error=late, job=probe, wait_ms=2500}") {
		t.Errorf("unexpected field rendering: %q", output)
	}
}

func TestLogger_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("error", &buf)

	log.Debug("should not appear")
	log.Info("should not appear")
	log.Warn("should not appear")
	log.Error("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Error("lower level logs should not appear with error level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("error level log should appear")
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Debug("hidden")
	setter, ok := log.(logger.LevelSetter)
	if !ok {
		t.Fatal("expected logger to implement LevelSetter")
	}
	setter.SetLevel("debug")
	log.Debug("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Error("debug message logged before level change")
	}
	if !strings.Contains(output, "visible") {
		t.Error("debug message missing after level change")
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	base := logger.CreateLoggerWithOutput("info", &buf)

	ctx := ecxt.WithRequestID(context.Background(), "req_123")
	ctx = ecxt.WithOperation(ctx, "query")
	ctx = ecxt.WithJobID(ctx, "job-1")

	logger.WithContext(ctx, base).Info("dispatching")

	output := buf.String()
	for _, want := range []string{"request_id=req_123", "operation=query", "job_id=job-1"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output %q", want, output)
		}
	}
}

func TestConsoleLogger(t *testing.T) {
	var out, errOut bytes.Buffer
	c := logger.NewConsoleLogger(&out, &errOut)

	c.Info("hello")
	c.Error("boom")

	if !strings.Contains(out.String(), "hello") {
		t.Error("expected info on stdout")
	}
	if !strings.Contains(errOut.String(), "boom") {
		t.Error("expected error on stderr")
	}
}
