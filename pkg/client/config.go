package client

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Config controls timeouts and restart policy. It is copied by New and never
// mutated afterwards.
type Config struct {
	// DefaultTimeout applies to methods without an override. Zero means
	// calls wait until a response, process exit, or Stop.
	DefaultTimeout time.Duration

	// RequestTimeoutByMethod overrides DefaultTimeout per method. A value
	// <= 0 exempts the method from any timeout.
	RequestTimeoutByMethod map[string]time.Duration

	// RestartBackoff is the fixed delay before respawning after a crash.
	RestartBackoff time.Duration

	// RestartJitter adds a random delay in [0, RestartJitter) to the backoff.
	RestartJitter time.Duration

	// MaxRestartAttemptsInWindow is how many crashes inside RestartWindow
	// trip the circuit.
	MaxRestartAttemptsInWindow int

	RestartWindow      time.Duration
	RestartCircuitOpen time.Duration

	// Args, Env, and Dir configure the child process. A nil Env inherits
	// the current environment.
	Args []string
	Env  []string
	Dir  string

	// StopGracePeriod is how long Stop waits after closing stdin before it
	// kills the engine.
	StopGracePeriod time.Duration
}

// DefaultConfig returns the default client configuration. Long-running
// methods have no timeout; interactive ones fail fast.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 15 * time.Second,
		RequestTimeoutByMethod: map[string]time.Duration{
			"system.ping":                             2 * time.Second,
			"engine.capabilities":                     2 * time.Second,
			"permissions.requestScreenRecording":      0,
			"permissions.requestMicrophone":           0,
			"permissions.requestInputMonitoring":      0,
			"permissions.openInputMonitoringSettings": 0,
			"agent.run":                               0,
			"export.run":                              0,
			"export.runCutPlan":                       0,
		},
		RestartBackoff:             250 * time.Millisecond,
		RestartJitter:              250 * time.Millisecond,
		MaxRestartAttemptsInWindow: 5,
		RestartWindow:              60 * time.Second,
		RestartCircuitOpen:         30 * time.Second,
		StopGracePeriod:            2 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout must not be negative, got: %s", c.DefaultTimeout)
	}
	if c.RestartBackoff < 0 {
		return fmt.Errorf("restart backoff must not be negative, got: %s", c.RestartBackoff)
	}
	if c.RestartJitter < 0 {
		return fmt.Errorf("restart jitter must not be negative, got: %s", c.RestartJitter)
	}
	if c.MaxRestartAttemptsInWindow < 1 {
		return fmt.Errorf("max restart attempts in window must be at least 1, got: %d", c.MaxRestartAttemptsInWindow)
	}
	if c.RestartWindow <= 0 {
		return fmt.Errorf("restart window must be positive, got: %s", c.RestartWindow)
	}
	if c.RestartCircuitOpen <= 0 {
		return fmt.Errorf("restart circuit open duration must be positive, got: %s", c.RestartCircuitOpen)
	}
	if c.StopGracePeriod < 0 {
		return fmt.Errorf("stop grace period must not be negative, got: %s", c.StopGracePeriod)
	}
	return nil
}

// TimeoutFor resolves the timeout for method: override, then default, then
// none. The second result is false when the call has no timeout.
func (c Config) TimeoutFor(method string) (time.Duration, bool) {
	if override, ok := c.RequestTimeoutByMethod[method]; ok {
		if override <= 0 {
			return 0, false
		}
		return override, true
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout, true
	}
	return 0, false
}

func (c Config) clone() Config {
	out := c
	out.RequestTimeoutByMethod = maps.Clone(c.RequestTimeoutByMethod)
	out.Args = slices.Clone(c.Args)
	out.Env = slices.Clone(c.Env)
	return out
}
