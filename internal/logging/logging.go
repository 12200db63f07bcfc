// Package logging sets up the process-wide structured logger.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to stderr at the given level.
// Unrecognized levels fall back to info, the way the rest of this system
// treats unrecognized-but-non-fatal config as "use the sane default".
func New(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
