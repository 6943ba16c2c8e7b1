package daemon

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// LogOptions selects where and how much the daemon logs.
type LogOptions struct {
	Verbose bool
	Debug   bool
	// Detached daemons have no terminal; they log to the system log.
	Detached bool
}

// settingsLevel maps a settings log level to logrus. ok is false when
// logging is switched off.
func settingsLevel(level string) (lvl log.Level, ok bool) {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel, true
	case "debug":
		return log.DebugLevel, true
	case "info":
		return log.InfoLevel, true
	case "warn", "warning":
		return log.WarnLevel, true
	case "off", "none":
		return log.PanicLevel, false
	default:
		return log.ErrorLevel, true
	}
}

// SetupLogging configures the package-level logrus logger and returns the
// effective level. The returned closer releases the log file, if any.
func SetupLogging(s *Settings, opts LogOptions) (log.Level, io.Closer, error) {
	level, enabled := settingsLevel(s.LogLevel)
	switch {
	case opts.Debug:
		level, enabled = log.DebugLevel, true
	case opts.Verbose:
		level, enabled = log.InfoLevel, true
	}

	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: opts.Detached})
	if !enabled {
		log.SetOutput(io.Discard)
		return level, io.NopCloser(nil), nil
	}

	var (
		outputs []io.Writer
		closer  io.Closer = io.NopCloser(nil)
	)
	if !opts.Detached {
		outputs = append(outputs, os.Stderr)
	}
	if s.LogFile != "" {
		f, err := os.OpenFile(s.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return level, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		outputs = append(outputs, f)
		closer = f
	}
	if opts.Detached && s.Syslog {
		hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON|syslog.LOG_INFO, "automount")
		if err != nil {
			// no syslog socket: keep whatever outputs remain
			fmt.Fprintf(os.Stderr, "automount: syslog: %v\n", err)
		} else {
			log.AddHook(hook)
		}
	}

	if len(outputs) == 0 {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(io.MultiWriter(outputs...))
	}
	return level, closer, nil
}

// SetupWorkerLogging configures a worker process to log like the daemon
// that started it.
func SetupWorkerLogging(level log.Level, detached bool) {
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: detached})
	if !detached {
		return
	}
	log.SetOutput(io.Discard)
	if hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON|syslog.LOG_INFO, "automount"); err == nil {
		log.AddHook(hook)
	}
}
