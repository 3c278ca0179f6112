// Package cpu pins benchmark workers to cores.
package cpu

import (
	"runtime"
)

// Pin locks the calling goroutine to its OS thread and restricts that thread
// to core. The returned function undoes the thread lock and must be called
// from the same goroutine. When pinning fails the goroutine stays locked to
// its thread and the error is returned alongside a valid release func.
func Pin(core int) (release func(), err error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, setAffinity(core)
}

// Assign maps worker i to a core from allowed, wrapping around when there
// are more workers than cores.
func Assign(workers int, allowed []int) []int {
	if len(allowed) == 0 {
		allowed = sequence(runtime.NumCPU())
	}
	cores := make([]int, workers)
	for i := range cores {
		cores[i] = allowed[i%len(allowed)]
	}
	return cores
}

func sequence(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
