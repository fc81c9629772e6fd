// Copyright 2025 The vmharness authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides shared logging setup for all vmharness binaries.
// It uses log/slog as the standard library logger and bridges it to logr
// for libraries that expect one.
package logging

import (
	"log/slog"
	"os"

	"github.com/go-logr/logr"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables human-readable text output instead of JSON.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// Setup configures the process-wide slog logger and returns a logr.Logger
// backed by the same handler. Call early in main(), before any logging.
func Setup(opts Options) logr.Logger {
	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: opts.Level,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: opts.Level,
		})
	}
	slog.SetDefault(slog.New(handler))

	return logr.FromSlogHandler(handler)
}

// SetupDefault sets up logging with default options.
func SetupDefault() logr.Logger {
	return Setup(DefaultOptions())
}

// SetupDevelopment sets up logging in development mode: text output at
// debug level.
func SetupDevelopment() logr.Logger {
	return Setup(Options{
		Development: true,
		Level:       slog.LevelDebug,
	})
}
