// tsc.go

package erpc

import "time"

// The loss scanner measures time in monotonic "cycles". On Go runtimes
// a cycle is one nanosecond of the monotonic clock; wall-clock changes
// never affect it.

var tscEpoch = time.Now()

// rdtsc returns the current monotonic cycle count.
func rdtsc() uint64 {
	return uint64(time.Since(tscEpoch))
}

// msToCycles converts milliseconds to cycles.
func msToCycles(ms int) uint64 {
	return uint64(ms) * uint64(time.Millisecond)
}
