//go:build linux

package config

import "golang.org/x/sys/unix"

// isTerminal reports whether fd refers to a terminal, via the same raw
// TCGETS ioctl idiom used elsewhere in this module for kernel-facing
// checks, rather than a terminal-detection library.
func isTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}
