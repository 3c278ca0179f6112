//go:build linux

package cpu

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// setAffinity restricts the calling OS thread to core.
// Must be called after runtime.LockOSThread().
func setAffinity(core int) error {
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(core)

	// pid 0 is the calling thread
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return fmt.Errorf("pin to core %d: %w", core, err)
	}
	return nil
}

// Allowed returns the cores the process may run on, in ascending order.
func Allowed() []int {
	var mask unix.CPUSet
	if err := unix.SchedGetaffinity(0, &mask); err != nil {
		return sequence(runtime.NumCPU())
	}
	cores := make([]int, 0, mask.Count())
	for i := 0; len(cores) < mask.Count() && i < 1024; i++ {
		if mask.IsSet(i) {
			cores = append(cores, i)
		}
	}
	return cores
}
