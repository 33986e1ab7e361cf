// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"time"
)

// Config holds common configuration for pipeline operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Launcher is used by [*ProbeDriverFunc].
	//
	// Set by [NewConfig] to the [os/exec]-backed launcher.
	Launcher ProcessLauncher

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Launcher:      execLauncher{},
		ErrClassifier: DefaultErrClassifier,
		TimeNow:       time.Now,
	}
}
