package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the server's diagnostic + access logger, per spec.md's
// Logger component and original_source/horned.py's Logger class:
// diagnostic lines go through a structured logrus.Logger (grounded on
// nabbar-golib's logrus-based logger package), while the access log
// keeps the original's fixed wire format since it is a line protocol,
// not a structured event stream.
type Logger struct {
	diag     *logrus.Logger
	access   *Sink
	errorLog *Sink
}

// New builds a Logger writing diagnostics to errorLog and access lines
// to accessLog.
func New(accessLog, errorLog *Sink) *Logger {
	diag := logrus.New()
	diag.SetOutput(errorLog)
	diag.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	return &Logger{diag: diag, access: accessLog, errorLog: errorLog}
}

// NewStdio builds a Logger writing diagnostics to stderr and access
// lines to stdout, the original's DEFAULT_CONFIG.
func NewStdio() *Logger {
	return New(NewSink(os.Stdout), NewSink(os.Stderr))
}

// ErrorWriter exposes the error sink as a plain io.Writer, for binding
// wsgi.errors (spec.md §6.5) so an application can write diagnostics
// through the same sink as the server's own.
func (l *Logger) ErrorWriter() io.Writer { return l.errorLog }

func (l *Logger) withPID() *logrus.Entry {
	return l.diag.WithField("pid", os.Getpid())
}

// Info logs a diagnostic message at info level.
func (l *Logger) Info(format string, args ...any) {
	l.withPID().Info(fmt.Sprintf(format, args...))
}

// Error logs a diagnostic message at error level.
func (l *Logger) Error(format string, args ...any) {
	l.withPID().Error(fmt.Sprintf(format, args...))
}

// Debug logs a diagnostic message at debug level.
func (l *Logger) Debug(format string, args ...any) {
	l.withPID().Debug(fmt.Sprintf(format, args...))
}

// Request writes one access-log line: peer IP, the verbatim request
// line, the first three characters of status, body length, elapsed
// time — spec.md §4.4.
func (l *Logger) Request(client, reqLine, status string, length int, elapsed time.Duration) {
	if l.access == nil {
		return
	}
	statusCode := status
	if len(statusCode) > 3 {
		statusCode = statusCode[:3]
	}
	now := time.Now().UTC()
	line := fmt.Sprintf("%s - - [%s] %q %s %d %.6f\n",
		client, now.Format("02/Jan/2006:15:04:05 -0700"), reqLine, statusCode, length, elapsed.Seconds())
	_, _ = l.access.Write([]byte(line))
}

// Reopen reopens both sinks, logging (but not failing on) any error —
// spec.md §7, "Log reopen failure: logged, ignored; previous sink
// continues in use."
func (l *Logger) Reopen() {
	l.Info("Reopening log files")
	if l.access != nil {
		if err := l.access.Reopen(); err != nil {
			l.Error("could not reopen access log: %v", err)
		}
	}
	if err := l.errorLog.Reopen(); err != nil {
		l.Error("could not reopen error log: %v", err)
	}
}
