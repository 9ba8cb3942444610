// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import "github.com/toeirei/keywarden/internal/logging"

func dbLogf(format string, v ...any) {
	logging.Debugf(format, v...)
}
