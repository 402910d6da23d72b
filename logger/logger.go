package logger

// Logger is the minimal structured logging surface the engine depends on.
// Keyvals are alternating key/value pairs; a trailing odd key is ignored.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}
