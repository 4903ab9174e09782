package config

import "runtime"

func numCPU() int { return runtime.NumCPU() }

// The I/O pool mostly waits on RPCs, so it is sized well above the CPU count.
func defaultIOThreads() int {
	return max(4*runtime.NumCPU(), 16)
}
