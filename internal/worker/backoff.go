package worker

import "time"

const (
	backoffBase = 1000 * time.Millisecond
	backoffCap  = 30000 * time.Millisecond
)

// CalculateBackoff returns the retry delay after the given 1-based attempt
// number: 1s, 2s, 4s, ... doubling per attempt, capped at 30s.
func CalculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	delay := backoffBase << shift
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}
