// Copyright 2015 Matthew Holt and The Caddy Authors
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

package fleetgate

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   = buildLogger()
)

// Log returns the default logger for the process. It is safe for
// concurrent use. The root package and cmd/fleetgate call it; the
// subpackages take a *zap.Logger through their constructors instead
// of holding their own *zap.Logger global.
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// buildLogger constructs the process-wide logger. When FLEETGATE_DEV
// is set, it uses a human-readable console encoder; otherwise it
// emits structured JSON, matching how production Caddy instances log.
func buildLogger() *zap.Logger {
	var cfg zap.Config
	if os.Getenv("FLEETGATE_DEV") != "" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		// Build only fails on a malformed config; ours is static,
		// so fall back rather than panic at package init.
		return zap.NewNop()
	}
	return logger
}
