// Package sampler picks which frames of a video get decoded.
package sampler

// DefaultTargetFrames is how many frames a video is sampled down to unless configured otherwise.
const DefaultTargetFrames = 20

// Sample returns evenly spaced frame indices 0, interval, 2*interval, ... below totalFrames,
// where interval = max(totalFrames/targetCount, 1). A non-positive targetCount is treated as 1.
func Sample(totalFrames, targetCount int) []int {
	if totalFrames <= 0 {
		return []int{}
	}
	if targetCount < 1 {
		targetCount = 1
	}

	interval := totalFrames / targetCount
	if interval < 1 {
		interval = 1
	}

	indices := make([]int, 0, (totalFrames+interval-1)/interval)
	for i := 0; i < totalFrames; i += interval {
		indices = append(indices, i)
	}
	return indices
}
