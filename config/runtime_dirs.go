package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// RuntimeDirs holds the daemon's runtime paths:
//
//	{base}/             runtime root
//	{base}/.lock        device ownership lock
//	{base}/emulator/    emulated controller state
//	{base}-sock/        gRPC socket directory
//
// RuntimeDirs is immutable; construct it with NewRuntimeDirs.
type RuntimeDirs struct {
	base     string
	lock     string
	emulator string
	sock     string
}

// DefaultRuntimeDirs returns the production layout under /run/nicctl.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs("/run/nicctl")
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs derives every path from base, which must be absolute.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base:     base,
		lock:     filepath.Join(base, ".lock"),
		emulator: filepath.Join(base, "emulator"),
		sock:     base + "-sock",
	}, nil
}

// Base returns the runtime root.
func (d RuntimeDirs) Base() string { return d.base }

// Lock returns the device ownership lock file.
func (d RuntimeDirs) Lock() string { return d.lock }

// Emulator returns the emulated controller's state directory.
func (d RuntimeDirs) Emulator() string { return d.emulator }

// Sock returns the socket directory.
func (d RuntimeDirs) Sock() string { return d.sock }

// SocketPath returns the gRPC socket.
func (d RuntimeDirs) SocketPath() string { return filepath.Join(d.sock, "nicctl.sock") }

// EmulatorDBPath returns the emulated controller's SQLite database.
func (d RuntimeDirs) EmulatorDBPath() string { return filepath.Join(d.emulator, "firmware.db") }

// EnsureDirectories creates the runtime directories. It is idempotent.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.emulator, d.sock} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
