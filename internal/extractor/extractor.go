// Package extractor turns sampled video frames into cropped, fixed-size face images.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/deepscan/internal/preprocess"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/worker"
	"go.uber.org/zap"
)

// DefaultThreshold is the minimum detector confidence a face needs to be kept.
const DefaultThreshold = 0.9

// FaceDetector returns raw detections for one RGB image, unfiltered.
type FaceDetector interface {
	Detect(ctx context.Context, img *image.RGBA) ([]types.DetectedFace, error)
}

// Config tunes extraction.
type Config struct {
	Threshold float64 // detections below this are dropped; equal is kept
	Workers   int     // frames decoded and detected in parallel
}

// Result is the ordered output of one Extract call plus everything that was dropped.
type Result struct {
	Faces []types.FaceImage
	Skips []types.Skip
}

// Extractor is stateless apart from its collaborators and is safe for concurrent use
// if the detector is.
type Extractor struct {
	detector FaceDetector
	cfg      Config
	logger   *zap.Logger
}

func New(detector FaceDetector, cfg Config, logger *zap.Logger) *Extractor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{detector: detector, cfg: cfg, logger: logger}
}

// frameResult is what one sampled frame produced.
type frameResult struct {
	faces []types.FaceImage
	skips []types.Skip
	fatal error
}

// Extract reads each index, detects, filters, crops and resizes. Faces come out
// in index order, then detection order within a frame, regardless of Workers.
// Per-frame and per-face failures become Skips; only an unavailable detector or
// a cancelled context fails the call. onFrame, if set, is called once per index.
func (e *Extractor) Extract(ctx context.Context, video types.VideoHandle, indices []int, onFrame func()) (Result, error) {
	results := make([]frameResult, len(indices))

	tasks := make(chan int)
	var wg sync.WaitGroup
	var progressMu sync.Mutex

	// 1. Spawn the frame pool
	for w := 0; w < e.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range tasks {
				results[slot] = e.processFrame(ctx, video, indices[slot])
				if onFrame != nil {
					progressMu.Lock()
					onFrame()
					progressMu.Unlock()
				}
			}
		}()
	}

	// 2. Feed slots, stopping early on cancellation
	var feedErr error
feed:
	for slot := range indices {
		select {
		case <-ctx.Done():
			feedErr = ctx.Err()
			break feed
		case tasks <- slot:
		}
	}
	close(tasks)
	wg.Wait()

	if feedErr != nil {
		return Result{}, feedErr
	}

	// 3. Stitch in sample order
	var res Result
	res.Faces = []types.FaceImage{}
	for _, fr := range results {
		if fr.fatal != nil {
			return Result{}, fr.fatal
		}
		res.Faces = append(res.Faces, fr.faces...)
		res.Skips = append(res.Skips, fr.skips...)
	}
	return res, nil
}

func (e *Extractor) processFrame(ctx context.Context, video types.VideoHandle, index int) frameResult {
	if err := ctx.Err(); err != nil {
		return frameResult{fatal: err}
	}

	frame, err := video.ReadFrame(ctx, index)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return frameResult{fatal: ctxErr}
		}
		e.logger.Debug("frame decode failed", zap.Int("frame", index), zap.Error(err))
		return frameResult{skips: []types.Skip{{FrameIndex: index, Face: -1, Reason: types.SkipDecode, Err: err}}}
	}

	rgb, err := ToRGB(frame)
	if err != nil {
		return frameResult{skips: []types.Skip{{FrameIndex: index, Face: -1, Reason: types.SkipDecode, Err: err}}}
	}

	detections, err := e.detector.Detect(ctx, rgb)
	if err != nil {
		if errors.Is(err, worker.ErrWorkerUnavailable) {
			return frameResult{fatal: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return frameResult{fatal: ctxErr}
		}
		e.logger.Warn("face detection failed", zap.Int("frame", index), zap.Error(err))
		return frameResult{skips: []types.Skip{{FrameIndex: index, Face: -1, Reason: types.SkipDetect, Err: err}}}
	}

	var out frameResult
	for i, det := range detections {
		if det.Confidence < e.cfg.Threshold {
			out.skips = append(out.skips, types.Skip{FrameIndex: index, Face: i, Reason: types.SkipLowConfidence})
			continue
		}

		crop, ok := Crop(rgb, det.Box)
		if !ok {
			out.skips = append(out.skips, types.Skip{FrameIndex: index, Face: i, Reason: types.SkipEmptyCrop})
			continue
		}

		out.faces = append(out.faces, types.FaceImage{
			FrameIndex: index,
			Image:      preprocess.Resize(crop, types.FaceSize),
		})
	}
	return out
}

// ToRGB converts a packed BGR frame into an RGBA image with opaque alpha.
func ToRGB(f types.Frame) (*image.RGBA, error) {
	if f.Width <= 0 || f.Height <= 0 || len(f.BGR) != f.Width*f.Height*3 {
		return nil, fmt.Errorf("frame %d: %d bytes for %dx%d", f.Index, len(f.BGR), f.Width, f.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src, dst := f.BGR, img.Pix
	for s, d := 0, 0; s < len(src); s, d = s+3, d+4 {
		dst[d] = src[s+2]
		dst[d+1] = src[s+1]
		dst[d+2] = src[s]
		dst[d+3] = 0xff
	}
	return img, nil
}

// Crop cuts box out of img after clamping its origin to the frame. Width and
// height are applied from the clamped origin and cut off at the frame edge.
// ok is false when nothing is left, including boxes that end above or left of
// the frame.
func Crop(img *image.RGBA, box types.BoundingBox) (*image.RGBA, bool) {
	if box.Width <= 0 || box.Height <= 0 {
		return nil, false
	}
	if box.X+box.Width <= 0 || box.Y+box.Height <= 0 {
		return nil, false
	}
	x, y := max(box.X, 0), max(box.Y, 0)
	b := img.Bounds()
	r := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+box.Width, b.Min.Y+y+box.Height).Intersect(b)
	if r.Empty() {
		return nil, false
	}
	return img.SubImage(r).(*image.RGBA), true
}
