package catalog

import (
	"os"

	"github.com/rs/zerolog"
)

func removeLocalFile(path string, logger zerolog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", path).Msg("failed to remove cached file")
	}
}
