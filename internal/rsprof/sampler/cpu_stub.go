//go:build !linux

package sampler

import "errors"

// ErrNotSupported is returned by New on platforms other than Linux: rsprof's
// CPU sampler depends on perf_event_open(2), which has no equivalent outside
// the Linux kernel.
var ErrNotSupported = errors.New("sampler: CPU sampling is only supported on Linux")

// Event mirrors the Linux build's sample shape so callers can type-check
// against this package regardless of GOOS.
type Event struct {
	Addr uint64
	TID  int
}

// Sampler is an unusable stand-in outside Linux; every method returns
// ErrNotSupported or its zero value.
type Sampler struct{}

func New(pid int, freqHz int) (*Sampler, error) {
	return nil, ErrNotSupported
}

func (s *Sampler) PollFDs() []int32 { return nil }

func (s *Sampler) Drain(emit func(Event)) {}

func (s *Sampler) CloseExited(fds []int32) {}

func (s *Sampler) Rescan() error { return ErrNotSupported }

func (s *Sampler) LossRate() float64 { return 0 }

func (s *Sampler) Stop() error { return nil }
