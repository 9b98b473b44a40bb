// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// New creates the root logger. Debug mode switches to the human-readable
// console writer and forces debug level; otherwise level is parsed from the
// configuration. When logsFolder is set, events are duplicated into a
// date-stamped file there; the returned closer owns that file.
func New(level string, debug bool, logsFolder string) (zerolog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	if debug {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	var closer io.Closer
	if logsFolder != "" {
		if err := os.MkdirAll(logsFolder, 0o755); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("create logs folder %s: %w", logsFolder, err)
		}
		name := filepath.Join(logsFolder, "view-runner-"+time.Now().Format("2006-01-02")+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("open log file %s: %w", name, err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	logger := zerolog.New(out).With().Timestamp().Logger()

	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(level); err == nil && level != "" {
		lvl = parsed
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	return logger.Level(lvl), closer, nil
}
