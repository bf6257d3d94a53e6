package helpers

import (
	"runtime/debug"
)

const fallbackMemoryLimitMB = 512

// RecommendedMemoryLimitMB returns 75% of physical memory, never less than
// 512MB unless the host has less than that. ok is false when the total could
// not be determined and the fallback was used.
func RecommendedMemoryLimitMB() (limit int, ok bool) {
	totalMB := totalMemoryMB()
	if totalMB == 0 {
		return fallbackMemoryLimitMB, false
	}

	limit = int(float64(totalMB) * 0.75)
	if limit < fallbackMemoryLimitMB {
		if totalMB < fallbackMemoryLimitMB {
			return totalMB, true
		}
		return fallbackMemoryLimitMB, true
	}
	return limit, true
}

// -----------------------------------------------------------------------------

// ApplyMemoryLimit sets the runtime soft memory limit to the recommended value
// and returns it in MB.
func ApplyMemoryLimit() (int, bool) {
	limit, ok := RecommendedMemoryLimitMB()
	debug.SetMemoryLimit(int64(limit) << 20)
	return limit, ok
}
