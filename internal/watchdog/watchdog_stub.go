//go:build !linux
// +build !linux

package watchdog

import "fmt"

// Open is unsupported on non-Linux platforms; callers fall back to
// NoopPinger.
func Open(device string) (Pinger, error) {
	return nil, fmt.Errorf("watchdog: device access unsupported on this OS")
}
