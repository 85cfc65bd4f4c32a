// README: Structured JSON-line logger shared by services, stores, and HTTP middleware.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

type ErrorObject struct {
	Msg   string `json:"msg"`
	Stack string `json:"stack,omitempty"`
}

type Entry struct {
	Timestamp string       `json:"timestamp"`
	Level     string       `json:"level"`
	Service   string       `json:"service"`
	Action    string       `json:"action"`
	Message   string       `json:"message"`
	Hostname  string       `json:"hostname"`
	RequestID string       `json:"request_id,omitempty"`
	Error     *ErrorObject `json:"error,omitempty"`
	Details   any          `json:"details,omitempty"`
}

type Logger struct {
	service  string
	hostname string

	mu  sync.Mutex
	out io.Writer
}

func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

func NewWithWriter(service string, out io.Writer) *Logger {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Logger{service: service, hostname: hostname, out: out}
}

// Discard returns a logger that drops every entry; used by tests.
func Discard() *Logger {
	return NewWithWriter("test", io.Discard)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func (l *Logger) Info(ctx context.Context, action, msg string, details any) {
	l.emit(ctx, "INFO", action, msg, nil, details)
}

func (l *Logger) Debug(ctx context.Context, action, msg string, details any) {
	l.emit(ctx, "DEBUG", action, msg, nil, details)
}

func (l *Logger) Warn(ctx context.Context, action, msg string, details any) {
	l.emit(ctx, "WARN", action, msg, nil, details)
}

// Error records err with the current goroutine stack.
func (l *Logger) Error(ctx context.Context, action, msg string, err error, details any) {
	var eo *ErrorObject
	if err != nil {
		eo = &ErrorObject{Msg: err.Error(), Stack: string(debug.Stack())}
	}
	l.emit(ctx, "ERROR", action, msg, eo, details)
}

func (l *Logger) emit(ctx context.Context, level, action, msg string, eo *ErrorObject, details any) {
	if l == nil {
		return
	}
	b, err := json.Marshal(Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Service:   l.service,
		Action:    action,
		Message:   msg,
		Hostname:  l.hostname,
		RequestID: RequestIDFrom(ctx),
		Error:     eo,
		Details:   details,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "log marshal failed: %v\n", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(b, '\n'))
}
