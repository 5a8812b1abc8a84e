package ledger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns the structured logger used by the ledger and the CLI.
// Debug events are dropped unless debug is set. A nil w logs to stderr.
func NewLogger(w io.Writer, debug bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().
		Str("service", "dispatch-ledger").
		Timestamp().
		Logger()
}
