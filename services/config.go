package services

import (
	"log"
	"os"
	"strconv"
	"time"
)

// MatchConfig carries the pacing constants for the phase engine. Values
// come from the environment; FAST_MATCH_PROFILE shrinks everything for
// automated end-to-end runs.
type MatchConfig struct {
	RoundDuration        time.Duration
	RoundBuffer          time.Duration
	RoundResponseTimeout time.Duration
}

const (
	defaultRoundDurationMs        = 30000
	defaultRoundBufferMs          = 2000
	defaultRoundResponseTimeoutMs = 20000

	fastRoundDurationMs        = 500
	fastRoundBufferMs          = 50
	fastRoundResponseTimeoutMs = 300
)

// LoadMatchConfig reads pacing settings from the environment, falling back
// to defaults with a logged warning (same convention as the rest of the
// env handling in main).
func LoadMatchConfig() MatchConfig {
	if os.Getenv("FAST_MATCH_PROFILE") == "true" {
		log.Println("⚡ FAST_MATCH_PROFILE enabled — using shortened round timings")
		return MatchConfig{
			RoundDuration:        fastRoundDurationMs * time.Millisecond,
			RoundBuffer:          fastRoundBufferMs * time.Millisecond,
			RoundResponseTimeout: fastRoundResponseTimeoutMs * time.Millisecond,
		}
	}
	return MatchConfig{
		RoundDuration:        envDurationMs("ROUND_DURATION_MS", defaultRoundDurationMs),
		RoundBuffer:          envDurationMs("ROUND_BUFFER_MS", defaultRoundBufferMs),
		RoundResponseTimeout: envDurationMs("ROUND_RESPONSE_TIMEOUT_MS", defaultRoundResponseTimeoutMs),
	}
}

func envDurationMs(name string, fallback int) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return time.Duration(fallback) * time.Millisecond
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		log.Printf("⚠️  Invalid %s=%q, using default %dms", name, raw, fallback)
		return time.Duration(fallback) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// PhaseDeadline computes phase_ends_at for a phase entered at start.
func (cfg MatchConfig) PhaseDeadline(start time.Time, rounds int) time.Time {
	return start.Add(time.Duration(rounds) * cfg.RoundDuration)
}
