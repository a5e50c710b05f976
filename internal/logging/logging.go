/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process.
func Setup(environment string) zerolog.Logger {
	return SetupWithLevel(environment, "", nil)
}

// SetupWithLevel configures zerolog with an explicit level override and an optional
// extra writer that receives the raw JSON stream (e.g., a file or a test buffer).
// An empty or unknown level falls back to the environment default.
func SetupWithLevel(environment, levelName string, additionalWriter io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := defaultLevel(environment)
	if levelName != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(levelName)); err == nil && parsed != zerolog.NoLevel {
			level = parsed
		}
	}

	var writer io.Writer = zerolog.ConsoleWriter{Out: os.Stdout}
	if additionalWriter != nil {
		writer = zerolog.MultiLevelWriter(writer, additionalWriter)
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger
}

func defaultLevel(environment string) zerolog.Level {
	if strings.EqualFold(environment, "development") {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
