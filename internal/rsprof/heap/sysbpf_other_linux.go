//go:build linux && !amd64

package heap

import "syscall"

const sysBPF = syscall.SYS_BPF
