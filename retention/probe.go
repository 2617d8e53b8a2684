// Package retention maps entry priorities to effective time-to-live values,
// compressing all TTLs toward zero as system memory pressure rises.
package retention

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryProbe reports the fraction of system memory in use. It is only an
// input signal for retention scaling; failures must degrade gracefully.
type MemoryProbe interface {
	// UsedPercent returns system memory usage in the range [0, 100].
	UsedPercent() (float64, error)
}

// SystemProbe reads live memory statistics from the operating system.
type SystemProbe struct{}

// UsedPercent implements MemoryProbe.
func (SystemProbe) UsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("reading virtual memory stats: %w", err)
	}
	return vm.UsedPercent, nil
}

// StaticProbe always reports a fixed usage percentage, for tests.
type StaticProbe float64

// UsedPercent implements MemoryProbe.
func (p StaticProbe) UsedPercent() (float64, error) {
	return float64(p), nil
}

var _ MemoryProbe = SystemProbe{}
