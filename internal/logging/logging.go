// Copyright 2016-2019 Authors of Cilium
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

// Package logging sets up the single process-wide logrus logger that every
// subsystem derives its scoped logger from via WithField(logfields.LogSubsys, ...).
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mesh-cni/agent/internal/logging/logfields"
)

// DefaultLogger is the process-wide base logger. Subsystems call
// DefaultLogger.WithField(logfields.LogSubsys, "<name>") to get a scoped
// entry; nothing else should construct a logrus.Logger directly.
var DefaultLogger = logrus.New()

func init() {
	DefaultLogger.Out = os.Stderr
	DefaultLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// SetupLevel parses level (e.g. "debug", "info") and applies it to
// DefaultLogger, falling back to InfoLevel on a parse failure.
func SetupLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	DefaultLogger.SetLevel(lvl)
}

// SetupJSON switches the logger to JSON output, useful when running under a
// log collector that expects structured lines.
func SetupJSON(enabled bool) {
	if enabled {
		DefaultLogger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// WithSubsys returns a logger entry scoped to the given subsystem name,
// mirroring the teacher's `log = logging.DefaultLogger.WithField(logfields.LogSubsys, "k8s-watcher")`.
func WithSubsys(subsys string) *logrus.Entry {
	return DefaultLogger.WithField(logfields.LogSubsys, subsys)
}
