package client

import (
	"math/rand/v2"
	"time"
)

// restartState tracks recent crashes across process generations and drives
// the circuit breaker. It is owned by the supervisor and guarded by its lock.
type restartState struct {
	crashTimestamps  []time.Time
	circuitOpenUntil time.Time
}

// restartDecision is what the supervisor should do after a crash.
type restartDecision struct {
	// Respawn is false when the circuit tripped.
	Respawn   bool
	Delay     time.Duration
	OpenUntil time.Time
	Crashes   int
}

// recordCrash appends now to the crash list, prunes entries that fell out of
// the window, and either trips the circuit or returns a respawn delay.
func (r *restartState) recordCrash(now time.Time, cfg Config, jitter func(time.Duration) time.Duration) restartDecision {
	r.crashTimestamps = append(r.crashTimestamps, now)
	r.prune(now, cfg.RestartWindow)

	crashes := len(r.crashTimestamps)
	if crashes >= cfg.MaxRestartAttemptsInWindow {
		r.circuitOpenUntil = now.Add(cfg.RestartCircuitOpen)
		return restartDecision{
			Respawn:   false,
			OpenUntil: r.circuitOpenUntil,
			Crashes:   crashes,
		}
	}

	return restartDecision{
		Respawn: true,
		Delay:   cfg.RestartBackoff + jitter(cfg.RestartJitter),
		Crashes: crashes,
	}
}

// prune drops crash timestamps older than window. The list is ordered, so
// the cut point is the first entry still inside the window.
func (r *restartState) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(r.crashTimestamps) && !r.crashTimestamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		r.crashTimestamps = append(r.crashTimestamps[:0], r.crashTimestamps[keep:]...)
	}
}

// circuitOpen reports whether spawning is suppressed at now.
func (r *restartState) circuitOpen(now time.Time) (time.Time, bool) {
	if r.circuitOpenUntil.IsZero() || !now.Before(r.circuitOpenUntil) {
		return time.Time{}, false
	}
	return r.circuitOpenUntil, true
}

// recentCrashes returns the number of crashes inside the window at now.
func (r *restartState) recentCrashes(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range r.crashTimestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// randomJitter returns a uniformly random duration in [0, max).
func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
