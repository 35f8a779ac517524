package log

import "fmt"

// tracingLogger rewrites any error-typed value found in keyvals to its
// "%+v" representation before handing the call to next. Errors from
// github.com/pkg/errors carry a stack trace that only appears under "%+v";
// without this, slog's own error handling falls back to Error() and the
// trace is lost.
type tracingLogger struct {
	next Logger
}

var _ Logger = (*tracingLogger)(nil)

// NewTracingLogger returns a Logger that preserves stack traces on wrapped
// errors (as produced by github.com/pkg/errors) when logging keyvals.
func NewTracingLogger(next Logger) Logger {
	return &tracingLogger{next: next}
}

func expandErrors(keyvals []any) []any {
	out := make([]any, len(keyvals))
	copy(out, keyvals)
	for i := 1; i < len(out); i += 2 {
		if err, ok := out[i].(error); ok {
			out[i] = fmt.Sprintf("%+v", err)
		}
	}
	return out
}

func (l *tracingLogger) Debug(msg string, keyvals ...any) { l.next.Debug(msg, expandErrors(keyvals)...) }
func (l *tracingLogger) Info(msg string, keyvals ...any)  { l.next.Info(msg, expandErrors(keyvals)...) }
func (l *tracingLogger) Warn(msg string, keyvals ...any)  { l.next.Warn(msg, expandErrors(keyvals)...) }
func (l *tracingLogger) Error(msg string, keyvals ...any) { l.next.Error(msg, expandErrors(keyvals)...) }

func (l *tracingLogger) With(keyvals ...any) Logger {
	return &tracingLogger{next: l.next.With(expandErrors(keyvals)...)}
}

func (l *tracingLogger) Impl() any { return l.next.Impl() }
