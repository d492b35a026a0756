//go:build linux && amd64

package heap

// SYS_BPF is not exported by the syscall package on linux/amd64, so the raw
// syscall number is used directly here.
const sysBPF = 321
