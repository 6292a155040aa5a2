package main

import (
	"os"
	"strings"

	"github.com/samcharles93/splice/internal/logger"
)

// newLogger builds the CLI logger. "auto" is pretty on a terminal and
// plain text otherwise.
func newLogger(f *os.File, format, level string) logger.Logger {
	lvl := logger.ParseLevel(level)
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "auto" || format == "" {
		format = "text"
		if isTerminal(f) {
			format = "pretty"
		}
	}
	switch format {
	case "json":
		return logger.JSON(f, lvl)
	case "text":
		return logger.Text(f, lvl)
	default:
		return logger.Pretty(f, lvl)
	}
}
