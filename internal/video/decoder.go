// Package video opens video files and decodes individual frames through ffmpeg.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"go.uber.org/zap"
)

var (
	// ErrNoVideoStream is returned when the input has no decodable video stream.
	ErrNoVideoStream = errors.New("video: no video stream")

	// ErrClosed is returned by ReadFrame after Close.
	ErrClosed = errors.New("video: handle closed")

	// ErrFrameOutOfRange is returned for an index outside [0, FrameCount).
	ErrFrameOutOfRange = errors.New("video: frame index out of range")
)

// Decoder opens videos. It is stateless and safe for concurrent use.
type Decoder struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

// NewDecoder resolves the ffmpeg and ffprobe binaries up front so a missing
// install fails at startup instead of looking like a bad input file.
func NewDecoder(ffmpeg, ffprobe string, logger *zap.Logger) (*Decoder, error) {
	ffmpegPath, err := exec.LookPath(ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found (%s): %w", ffmpeg, err)
	}
	ffprobePath, err := exec.LookPath(ffprobe)
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found (%s): %w", ffprobe, err)
	}
	return &Decoder{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}, nil
}

// Open probes path and returns a handle positioned nowhere in particular; every
// ReadFrame seeks on its own.
func (d *Decoder) Open(ctx context.Context, path string) (types.VideoHandle, error) {
	if err := utils.ValidateInputFile(path); err != nil {
		return nil, err
	}

	info, err := probeStream(ctx, d.ffprobePath, path)
	if err != nil {
		return nil, err
	}

	// 1. Fast Path: MP4 sample table
	frames, err := mp4FrameCount(path)
	if err != nil {
		d.logger.Debug("mp4 frame count unavailable", zap.String("path", path), zap.Error(err))
	}

	// 2. Container metadata via ffprobe
	if frames <= 0 {
		frames = info.Frames
	}

	// 3. Slow Path: count packets
	if frames <= 0 {
		d.logger.Info("frame count missing from metadata, counting packets", zap.String("path", path))
		frames, err = countPackets(ctx, d.ffprobePath, path)
		if err != nil {
			d.logger.Warn("packet count failed", zap.String("path", path), zap.Error(err))
			frames = 0
		}
	}

	d.logger.Debug("video opened",
		zap.String("path", path),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Int("frames", frames),
		zap.Float64("fps", info.FPS),
		zap.Int("rotation", info.Rotation),
	)

	return &Handle{
		path:   path,
		ffmpeg: d.ffmpegPath,
		width:  info.Width,
		height: info.Height,
		frames: frames,
		fps:    info.FPS,
	}, nil
}

// Handle is one opened video. Concurrent ReadFrame calls are allowed.
// width and height are the displayed (rotated) frame size.
type Handle struct {
	path   string
	ffmpeg string
	width  int
	height int
	frames int
	fps    float64

	mu     sync.Mutex
	closed bool
}

// FrameCount returns the total frame count (0 if unknown).
func (h *Handle) FrameCount() int {
	return h.frames
}

// ReadFrame decodes exactly one frame as packed BGR.
func (h *Handle) ReadFrame(ctx context.Context, index int) (types.Frame, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return types.Frame{}, ErrClosed
	}
	if index < 0 || (h.frames > 0 && index >= h.frames) {
		return types.Frame{}, fmt.Errorf("%w: %d", ErrFrameOutOfRange, index)
	}

	frameSize := h.width * h.height * 3
	var stdout bytes.Buffer
	stdout.Grow(frameSize)

	cmd := utils.NewSafeCommand(ctx, h.ffmpeg, h.frameArgs(index)...)
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return types.Frame{}, fmt.Errorf("ffmpeg decode frame %d: %w: %s", index, err, cmd.Stderr.String())
	}
	if stdout.Len() != frameSize {
		return types.Frame{}, fmt.Errorf("frame %d: got %d bytes, want %d", index, stdout.Len(), frameSize)
	}

	return types.Frame{
		Index:  index,
		Width:  h.width,
		Height: h.height,
		BGR:    stdout.Bytes(),
	}, nil
}

// frameArgs builds the ffmpeg arguments for one frame. With a known frame rate
// the input is seeked to half a frame before the target, so decoding starts at
// the nearest keyframe and the first frame out is index. Without one, frames
// are counted from the start of the stream.
func (h *Handle) frameArgs(index int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	if h.fps > 0 {
		if index > 0 {
			ts := (float64(index) - 0.5) / h.fps
			args = append(args, "-ss", strconv.FormatFloat(ts, 'f', 6, 64))
		}
		args = append(args, "-i", h.path)
	} else {
		args = append(args, "-i", h.path,
			"-vf", "select=eq(n\\,"+strconv.Itoa(index)+")", "-vsync", "0")
	}

	return append(args,
		"-frames:v", "1",
		"-f", "rawvideo", "-pix_fmt", "bgr24",
		"-",
	)
}

// Close marks the handle released. Decoding runs in short-lived ffmpeg processes,
// so nothing stays open between reads.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
