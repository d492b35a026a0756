//go:build !linux

package config

// isTerminal always reports false outside Linux, since rsprof has no
// facility to attach to a target process there anyway.
func isTerminal(fd int) bool {
	return false
}
