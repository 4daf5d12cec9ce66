//go:build linux
// +build linux

package watchdog

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// linuxPinger pets /dev/watchdog via the standard WDIOC_KEEPALIVE ioctl.
type linuxPinger struct {
	f *os.File
}

// Open opens the named watchdog device (typically "/dev/watchdog").
func Open(device string) (Pinger, error) {
	f, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("watchdog: open %s: %w", device, err)
	}
	return &linuxPinger{f: f}, nil
}

const wdiocKeepalive = 0x80045705 // WDIOC_KEEPALIVE

func (p *linuxPinger) Ping() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, p.f.Fd(), wdiocKeepalive, 0)
	if errno != 0 {
		return fmt.Errorf("watchdog: keepalive ioctl: %w", errno)
	}
	return nil
}

func (p *linuxPinger) Close() error {
	// A bare close would trigger an immediate reboot on most drivers
	// unless preceded by the magic-close byte 'V'.
	if _, err := p.f.Write([]byte{'V'}); err != nil {
		p.f.Close()
		return fmt.Errorf("watchdog: magic close write: %w", err)
	}
	return p.f.Close()
}
