package logger

// NullLogger discards everything. Used by tests that assert on results, not
// log output.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (NullLogger) Debug(msg string, keyvals ...any) {}
func (NullLogger) Info(msg string, keyvals ...any)  {}
func (NullLogger) Error(msg string, keyvals ...any) {}
