// Package config collects the runtime policy knobs this kernel exposes
// instead of hard-coding, per the open questions recorded in SPEC_FULL.md.
package config

import "time"

// Config holds tunables threaded through boot. Zero Config is invalid;
// callers should start from Default().
type Config struct {
	// NumPrio is the number of scheduler priority levels (spec §4.F).
	NumPrio int

	// BalloonVoluntaryInflateInterval bounds how often the balloon
	// driver may opportunistically grow beyond the host's requested
	// target. Grounded on the original driver's
	// VOLUNTARY_INFLATE_INTERVAL_MICROS constant, exposed as
	// configuration per spec §9's open question.
	BalloonVoluntaryInflateInterval time.Duration

	// BalloonVoluntaryInflateMaxPages bounds a single voluntary
	// inflation attempt.
	BalloonVoluntaryInflateMaxPages uint32

	// VirtqueueSize is the default split-ring queue depth (spec §6:
	// a power of two up to 32768).
	VirtqueueSize uint16
}

// Default returns the kernel's default configuration, matching the
// constants named in the original balloon driver.
func Default() Config {
	const kibi = 1024
	const gibi = 1024 * 1024 * kibi
	return Config{
		NumPrio:                          32,
		BalloonVoluntaryInflateInterval:  time.Second,
		BalloonVoluntaryInflateMaxPages:  2 * gibi / (4 * kibi),
		VirtqueueSize:                    256,
	}
}
