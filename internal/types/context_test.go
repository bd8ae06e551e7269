package types

import (
	"context"
	"testing"
	"time"
)

type recordingLogger struct {
	messages []string
}

func (m *recordingLogger) Info(msg string, args ...any)  { m.messages = append(m.messages, "info:"+msg) }
func (m *recordingLogger) Error(msg string, args ...any) { m.messages = append(m.messages, "error:"+msg) }
func (m *recordingLogger) Warn(msg string, args ...any)  { m.messages = append(m.messages, "warn:"+msg) }
func (m *recordingLogger) With(args ...any) Logger       { return m }

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID = %q, want %q", got, "req-1")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want empty", got)
	}
}

func TestLogger_RoundTrip(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatal("expected nil logger on empty context")
	}
	l := &recordingLogger{}
	ctx := WithLogger(context.Background(), l)
	got := LoggerFromContext(ctx)
	if got == nil {
		t.Fatal("expected logger from context")
	}
	got.Info("hello")
	if len(l.messages) != 1 || l.messages[0] != "info:hello" {
		t.Errorf("unexpected messages: %v", l.messages)
	}
}

func TestOperator_Flag(t *testing.T) {
	if IsOperator(context.Background()) {
		t.Error("empty context must not be operator")
	}
	if !IsOperator(WithOperator(context.Background())) {
		t.Error("expected operator flag")
	}
}

func TestClockFunc(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var c Clock = ClockFunc(func() time.Time { return fixed })
	if !c.Now().Equal(fixed) {
		t.Errorf("Now = %v, want %v", c.Now(), fixed)
	}
	if (RealClock{}).Now().Location() != time.UTC {
		t.Error("RealClock must return UTC")
	}
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.With("k", "v").Info("ignored")
}
