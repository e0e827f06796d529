// Package device reads the static signals used to pick a capability tier.
package device

import (
	"runtime"

	"meshroom/internal/core/domain"

	"github.com/mackerelio/go-osstat/memory"
)

const bytesPerGB = 1 << 30

// Overrides replaces detected values. Zero fields keep the detected value.
type Overrides struct {
	Mobile   bool
	Cores    int
	MemoryGB float64
}

// Detect reports the signals of the current host. Memory is left undeclared
// when the platform does not expose it.
func Detect() domain.DeviceSignals {
	return detect(runtime.GOOS, runtime.NumCPU(), totalMemory)
}

// DetectWith applies o on top of Detect.
func DetectWith(o Overrides) domain.DeviceSignals {
	s := Detect()
	if o.Mobile {
		s.Mobile = true
	}
	if o.Cores > 0 {
		s.Cores = o.Cores
	}
	if o.MemoryGB > 0 {
		s.MemoryGB = o.MemoryGB
	}
	return s
}

func detect(goos string, cores int, mem func() (uint64, error)) domain.DeviceSignals {
	s := domain.DeviceSignals{
		Mobile: goos == "android" || goos == "ios",
		Cores:  cores,
	}
	if total, err := mem(); err == nil && total > 0 {
		s.MemoryGB = float64(total) / bytesPerGB
	}
	return s
}

func totalMemory() (uint64, error) {
	stats, err := memory.Get()
	if err != nil {
		return 0, err
	}
	return stats.Total, nil
}
