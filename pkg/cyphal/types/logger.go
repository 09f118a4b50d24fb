package types

// Logger is the single logging sink contract used by every component.
// It is passed explicitly to each collaborator's constructor instead of
// living behind process-wide global state.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}

// LogRecord is the shape handed to an external logging sink: timestamp,
// kind, function, line, description, and an optional 64-bit datum,
// matching CoreError's fields one-for-one so that a CoreError value can
// be logged without reshaping.
type LogRecord struct {
	TimestampUsec uint64
	Kind          ErrorKind
	Func          string
	Line          int
	Description   string
	Datum         *uint64
}
