//go:build !linux

package cpu

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("cpu pinning is not supported on " + runtime.GOOS)

func setAffinity(int) error {
	return errUnsupported
}

// Allowed returns the cores the process may run on.
func Allowed() []int {
	return sequence(runtime.NumCPU())
}
