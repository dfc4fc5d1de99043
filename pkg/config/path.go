package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrEngineNotFound is returned when no engine executable can be located.
var ErrEngineNotFound = errors.New("engine executable not found")

// EngineBinaryName is the platform engine executable name,
// e.g. guerillaglass-engine-darwin.
func EngineBinaryName() string {
	name := "guerillaglass-engine-" + runtime.GOOS
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// ResolveEnginePath finds the engine executable. The order is: explicit path,
// GG_ENGINE_PATH, the platform binary next to the running executable, then
// the platform binary on PATH.
func ResolveEnginePath(explicit string) (string, error) {
	return resolveEnginePath(explicit, os.Getenv, os.Executable, exec.LookPath)
}

func resolveEnginePath(
	explicit string,
	getenv func(string) string,
	executable func() (string, error),
	lookPath func(string) (string, error),
) (string, error) {
	if explicit != "" {
		return checkExecutable(explicit)
	}
	if env := getenv(EnvEnginePath); env != "" {
		return checkExecutable(env)
	}

	name := EngineBinaryName()
	if self, err := executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if _, err := checkExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	if found, err := lookPath(name); err == nil {
		return found, nil
	}
	return "", fmt.Errorf("%w: set %s or install %s", ErrEngineNotFound, EnvEnginePath, name)
}

func checkExecutable(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrEngineNotFound, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrEngineNotFound, path)
	}
	return path, nil
}
