package logutil

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
)

var (
	outputMu sync.Mutex
	output   io.Writer = os.Stderr
)

// Configure sets level and output format of the default logger. format is
// one of text, logfmt or json; empty means text.
func Configure(levelRaw, formatRaw string) error {
	level, err := parseConfiguredLevel(levelRaw)
	if err != nil {
		return err
	}
	formatter, err := parseFormatter(formatRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	log.SetOutput(output)
	log.SetLevel(level)
	log.SetFormatter(formatter)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.DateTime)
	return nil
}

// SetLevel changes only the level, e.g. from a command line override.
func SetLevel(levelRaw string) error {
	level, err := parseConfiguredLevel(levelRaw)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// SetOutput redirects the default logger, mainly for tests.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
	log.SetOutput(w)
}

// StandardLogger bridges the default logger to a *log.Logger for libraries
// that want one. Everything written through it is logged at level.
func StandardLogger(level log.Level) *stdlog.Logger {
	return log.Default().StandardLog(log.StandardLogOptions{ForceLevel: level})
}

func parseConfiguredLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace", "trac":
		// No trace level in the logger; debug is the most verbose.
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	return level, nil
}

func parseFormatter(formatRaw string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(formatRaw)) {
	case "", "text":
		return log.TextFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	}
	return 0, fmt.Errorf("invalid log format %q", formatRaw)
}
