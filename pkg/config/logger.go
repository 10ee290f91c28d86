package config

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/replicate/batchget/pkg/logging"
)

// NewLogger builds the run's logger from the persistent logging flags. --verbose wins over --log-level.
func NewLogger(v *viper.Viper, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level := v.GetString(OptLoggingLevel)
	if v.GetBool(OptVerbose) {
		level = "debug"
	}
	return logging.New(logging.Options{
		Level:   level,
		File:    v.GetString(OptLogFile),
		Console: console,
	})
}
