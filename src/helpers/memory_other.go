//go:build !linux && !darwin && !windows

package helpers

func totalMemoryMB() int { return 0 }
