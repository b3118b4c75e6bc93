package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ChuLiYu/framequeue/pkg/types"
)

// FrameReader reads dataset frames by index.
type FrameReader interface {
	Frame(ctx context.Context, index int64) (types.Frame, error)
}

// Fitter analyses the frame of one task. A Result with no entries is a dud.
type Fitter interface {
	Fit(ctx context.Context, task *types.Task, frames FrameReader) (types.Result, error)
}

// ErrShapeMismatch is returned for a malformed frame or background frames that do not
// match the analysed frame.
var ErrShapeMismatch = errors.New("worker: frame shape mismatch")

// PeakFitter finds isolated local maxima above a background estimate.
//
// The background is the per-pixel mean of the task's background frames, or the frame
// median when the task has no background window. With SNThreshold set the detection
// threshold is in units of the residual standard deviation; otherwise it is in counts.
type PeakFitter struct{}

// Fit implements Fitter.
func (PeakFitter) Fit(ctx context.Context, task *types.Task, frames FrameReader) (types.Result, error) {
	res := types.Result{QueueID: task.QueueID, Index: task.Index, Lease: task.Lease}

	f, err := frames.Frame(ctx, task.Index)
	if err != nil {
		return res, err
	}
	if !f.Shape().Valid() || len(f.Pixels) != f.Shape().Pixels() {
		return res, fmt.Errorf("%w: frame %d is %dx%d with %d px", ErrShapeMismatch, task.Index, f.Width, f.Height, len(f.Pixels))
	}
	bg, err := background(ctx, f, task.Background, frames)
	if err != nil {
		return res, err
	}

	residual := make([]float64, len(f.Pixels))
	for i, v := range f.Pixels {
		residual[i] = float64(v) - bg[i]
	}

	threshold := task.DetectionThreshold
	if task.SNThreshold {
		threshold *= max(stddev(residual), 1)
	}

	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := y*f.Width + x
			if residual[i] <= threshold || !isLocalMax(residual, f.Width, f.Height, x, y) {
				continue
			}
			res.Fits = append(res.Fits, centroid(residual, f.Width, f.Height, x, y, task.Index, bg[i]))
		}
	}
	return res, nil
}

func background(ctx context.Context, f types.Frame, r types.BGRange, frames FrameReader) ([]float64, error) {
	bg := make([]float64, len(f.Pixels))
	if r.Empty() {
		px := slices.Clone(f.Pixels)
		slices.Sort(px)
		med := float64(px[len(px)/2])
		for i := range bg {
			bg[i] = med
		}
		return bg, nil
	}

	for idx := r.Lo; idx < r.Hi; idx++ {
		b, err := frames.Frame(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("background frame %d: %w", idx, err)
		}
		if b.Shape() != f.Shape() {
			return nil, fmt.Errorf("%w: frame %d is %dx%d", ErrShapeMismatch, idx, b.Width, b.Height)
		}
		for i, v := range b.Pixels {
			bg[i] += float64(v)
		}
	}
	n := float64(r.Len())
	for i := range bg {
		bg[i] /= n
	}
	return bg, nil
}

func stddev(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum, sq float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))
	for _, x := range v {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq / float64(len(v)))
}

// isLocalMax reports whether (x, y) is strictly above its 8 neighbours.
func isLocalMax(r []float64, w, h, x, y int) bool {
	c := r[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			if r[ny*w+nx] >= c {
				return false
			}
		}
	}
	return true
}

// centroid computes the intensity-weighted position and width over the 3x3 window.
func centroid(r []float64, w, h, x, y int, index int64, bg float64) types.FitEntry {
	var sum, sx, sy, sxx float64
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			v := r[ny*w+nx]
			if v <= 0 {
				continue
			}
			sum += v
			sx += v * float64(nx)
			sy += v * float64(ny)
			sxx += v * float64(dx*dx+dy*dy)
		}
	}
	if sum == 0 {
		return types.FitEntry{Index: index, X: float64(x), Y: float64(y), Amplitude: r[y*w+x], Background: bg}
	}
	cx, cy := sx/sum, sy/sum
	return types.FitEntry{
		Index:      index,
		X:          cx,
		Y:          cy,
		Amplitude:  r[y*w+x],
		Sigma:      math.Sqrt(sxx / (2 * sum)),
		Background: bg,
	}
}
