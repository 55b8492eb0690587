package log

// Logger is the logging surface the stack packages use. The engine owns a
// concrete instance; nothing in this module touches a process-wide logger, so
// two engine instances can log with different levels or outputs.
type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithError(err error) Logger

	IsDebugEnabled() bool
	IsTraceEnabled() bool
}
