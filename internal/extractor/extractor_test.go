package extractor

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockVideo serves solid BGR frames and fails the indices listed in bad.
type MockVideo struct {
	W, H   int
	Frames int
	bad    map[int]bool
	closed bool
}

var _ types.VideoHandle = (*MockVideo)(nil)

func (m *MockVideo) FrameCount() int { return m.Frames }

func (m *MockVideo) ReadFrame(_ context.Context, index int) (types.Frame, error) {
	if m.bad[index] {
		return types.Frame{}, errors.New("corrupt frame")
	}
	bgr := make([]byte, m.W*m.H*3)
	for i := 0; i < len(bgr); i += 3 {
		bgr[i], bgr[i+1], bgr[i+2] = 10, 20, byte(index) // B, G, R
	}
	return types.Frame{Index: index, Width: m.W, Height: m.H, BGR: bgr}, nil
}

func (m *MockVideo) Close() error {
	m.closed = true
	return nil
}

// MockDetector returns canned detections per frame, keyed by the red channel
// of the top-left pixel (MockVideo puts the frame index there).
type MockDetector struct {
	mu    sync.Mutex
	Calls int
	ByIdx map[int][]types.DetectedFace
	Err   map[int]error
}

var _ FaceDetector = (*MockDetector)(nil)

func (m *MockDetector) Detect(_ context.Context, img *image.RGBA) ([]types.DetectedFace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	idx := int(img.Pix[0])
	if err := m.Err[idx]; err != nil {
		return nil, err
	}
	return m.ByIdx[idx], nil
}

func face(x, y, w, h int, conf float64) types.DetectedFace {
	return types.DetectedFace{Box: types.BoundingBox{X: x, Y: y, Width: w, Height: h}, Confidence: conf}
}

func TestThresholdIsInclusive(t *testing.T) {
	video := &MockVideo{W: 64, H: 64, Frames: 1}
	det := &MockDetector{ByIdx: map[int][]types.DetectedFace{
		0: {face(0, 0, 32, 32, 0.9), face(0, 0, 32, 32, 0.8999)},
	}}

	res, err := New(det, Config{Threshold: 0.9}, zap.NewNop()).Extract(context.Background(), video, []int{0}, nil)
	require.NoError(t, err)

	require.Len(t, res.Faces, 1, "0.9 must be kept and 0.8999 dropped")
	require.Len(t, res.Skips, 1)
	assert.Equal(t, types.SkipLowConfidence, res.Skips[0].Reason)
	assert.Equal(t, 1, res.Skips[0].Face)
}

func TestFacesAreResized(t *testing.T) {
	video := &MockVideo{W: 100, H: 80, Frames: 1}
	det := &MockDetector{ByIdx: map[int][]types.DetectedFace{0: {face(10, 10, 30, 50, 0.99)}}}

	res, err := New(det, Config{}, zap.NewNop()).Extract(context.Background(), video, []int{0}, nil)
	require.NoError(t, err)
	require.Len(t, res.Faces, 1)

	b := res.Faces[0].Image.Bounds()
	assert.Equal(t, types.FaceSize, b.Dx())
	assert.Equal(t, types.FaceSize, b.Dy())
}

func TestBoxOutsideFrameIsSkipped(t *testing.T) {
	video := &MockVideo{W: 50, H: 50, Frames: 1}
	det := &MockDetector{ByIdx: map[int][]types.DetectedFace{0: {
		face(200, 200, 30, 30, 0.99),
		face(10, 10, 0, 20, 0.99),
		face(-200, -200, 30, 30, 0.99),
		face(-30, 10, 30, 20, 0.99),
		face(10, -20, 20, 20, 0.99),
	}}}

	res, err := New(det, Config{}, zap.NewNop()).Extract(context.Background(), video, []int{0}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Faces)
	require.Len(t, res.Skips, 5)
	for _, s := range res.Skips {
		assert.Equal(t, types.SkipEmptyCrop, s.Reason)
	}
}

func TestCropClampsNegativeOrigin(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))

	crop, ok := Crop(img, types.BoundingBox{X: -5, Y: -10, Width: 30, Height: 40})
	require.True(t, ok)
	// Width/height apply from the clamped origin
	assert.Equal(t, image.Rect(0, 0, 30, 40), crop.Bounds())

	crop, ok = Crop(img, types.BoundingBox{X: 90, Y: 95, Width: 30, Height: 30})
	require.True(t, ok)
	assert.Equal(t, image.Rect(90, 95, 100, 100), crop.Bounds(), "cut off at the frame edge")

	_, ok = Crop(img, types.BoundingBox{X: -50, Y: 0, Width: -10, Height: 10})
	assert.False(t, ok)

	// Ends before the frame starts
	_, ok = Crop(img, types.BoundingBox{X: -40, Y: 5, Width: 40, Height: 10})
	assert.False(t, ok)

	// Straddles the top edge
	crop, ok = Crop(img, types.BoundingBox{X: 5, Y: -10, Width: 20, Height: 15})
	require.True(t, ok)
	assert.Equal(t, image.Rect(5, 0, 25, 15), crop.Bounds())
}

func TestToRGBSwapsChannels(t *testing.T) {
	img, err := ToRGB(types.Frame{Width: 2, Height: 1, BGR: []byte{1, 2, 3, 4, 5, 6}})
	require.NoError(t, err)
	assert.Equal(t, []uint8{3, 2, 1, 255, 6, 5, 4, 255}, img.Pix)

	_, err = ToRGB(types.Frame{Width: 2, Height: 2, BGR: []byte{1, 2, 3}})
	assert.Error(t, err)
}

func TestDecodeFailureSkipsFrame(t *testing.T) {
	video := &MockVideo{W: 32, H: 32, Frames: 3, bad: map[int]bool{1: true}}
	det := &MockDetector{ByIdx: map[int][]types.DetectedFace{
		0: {face(0, 0, 10, 10, 0.95)},
		2: {face(0, 0, 10, 10, 0.95)},
	}}

	res, err := New(det, Config{}, zap.NewNop()).Extract(context.Background(), video, []int{0, 1, 2}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Faces, 2)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, types.Skip{FrameIndex: 1, Face: -1, Reason: types.SkipDecode, Err: res.Skips[0].Err}, res.Skips[0])
	assert.Equal(t, 2, det.Calls, "detector must not see undecodable frames")
}

func TestDetectorLogicErrorSkipsFrame(t *testing.T) {
	video := &MockVideo{W: 32, H: 32, Frames: 2}
	det := &MockDetector{
		ByIdx: map[int][]types.DetectedFace{1: {face(0, 0, 10, 10, 0.95)}},
		Err:   map[int]error{0: &worker.LogicError{Msg: "bad input"}},
	}

	res, err := New(det, Config{}, zap.NewNop()).Extract(context.Background(), video, []int{0, 1}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Faces, 1)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, types.SkipDetect, res.Skips[0].Reason)
}

func TestDetectorUnavailableAborts(t *testing.T) {
	video := &MockVideo{W: 32, H: 32, Frames: 2}
	det := &MockDetector{Err: map[int]error{1: worker.ErrWorkerUnavailable}}

	_, err := New(det, Config{}, zap.NewNop()).Extract(context.Background(), video, []int{0, 1}, nil)
	assert.ErrorIs(t, err, worker.ErrWorkerUnavailable)
}

func TestCancelledContext(t *testing.T) {
	video := &MockVideo{W: 32, H: 32, Frames: 5}
	det := &MockDetector{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(det, Config{}, zap.NewNop()).Extract(ctx, video, []int{0, 1, 2, 3, 4}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrderIsStableAcrossWorkers(t *testing.T) {
	const frames = 40
	indices := make([]int, frames)
	byIdx := make(map[int][]types.DetectedFace, frames)
	for i := range indices {
		indices[i] = i
		byIdx[i] = []types.DetectedFace{face(0, 0, 8, 8, 0.99), face(8, 8, 8, 8, 0.95)}
	}
	video := &MockVideo{W: 16, H: 16, Frames: frames}
	det := &MockDetector{ByIdx: byIdx}

	progress := 0
	res, err := New(det, Config{Workers: 8}, zap.NewNop()).Extract(context.Background(), video, indices, func() { progress++ })
	require.NoError(t, err)
	require.Len(t, res.Faces, 2*frames)
	assert.Equal(t, frames, progress)

	for i, f := range res.Faces {
		assert.Equal(t, i/2, f.FrameIndex)
	}
}

func TestNoIndices(t *testing.T) {
	res, err := New(&MockDetector{}, Config{}, nil).Extract(context.Background(), &MockVideo{}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Faces)
	assert.NotNil(t, res.Faces)
}
