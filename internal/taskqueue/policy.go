package taskqueue

import "fmt"

// Policy picks the position in open of the next index to hand to a worker.
// open is never empty; out-of-range results are clamped.
type Policy func(workerID, workerCount int, open []int64) int

// PopZero takes the oldest open index.
func PopZero(_, _ int, _ []int64) int { return 0 }

// PopLast takes the newest open index.
func PopLast(_, _ int, open []int64) int { return len(open) - 1 }

// Partitioned stripes indices across workers: worker k prefers the oldest open index with
// index % workerCount == k, and falls back to the oldest index overall.
func Partitioned(workerID, workerCount int, open []int64) int {
	if workerCount <= 1 {
		return 0
	}
	want := int64(workerID % workerCount)
	for pos, idx := range open {
		if idx%int64(workerCount) == want {
			return pos
		}
	}
	return 0
}

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "zero":
		return PopZero, nil
	case "last":
		return PopLast, nil
	case "partitioned":
		return Partitioned, nil
	default:
		return nil, fmt.Errorf("unknown task policy %q", name)
	}
}
