package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"go.uber.org/zap"
)

// Transport is the request/reply channel to a model process.
type Transport interface {
	Communicate(ctx context.Context, data []byte) ([]byte, error)
	Close() error
}

// detection is the JSON the detector worker emits per face.
type detection struct {
	Box        [4]float64 `json:"box"`
	Confidence float64    `json:"confidence"`
}

// Detector is the face detector collaborator backed by a worker process.
type Detector struct {
	t Transport
}

// NewDetector wraps an already started transport.
func NewDetector(t Transport) *Detector {
	return &Detector{t: t}
}

// StartDetector spawns the detector script under python, respawning it after a crash or timeout.
func StartDetector(python, script string, timeout time.Duration, logger *zap.Logger) (*Detector, error) {
	sup, err := Supervise("detector", func() (Transport, error) {
		return NewPythonWorker("detector", python, script, timeout)
	}, logger)
	if err != nil {
		return nil, err
	}
	return NewDetector(sup), nil
}

// Detect sends [Width][Height][RGB] and returns every box the model found,
// unfiltered. Thresholding is the caller's job.
func (d *Detector) Detect(ctx context.Context, img *image.RGBA) ([]types.DetectedFace, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	buf := bytes.NewBuffer(make([]byte, 0, 8+w*h*3))
	binary.Write(buf, binary.BigEndian, uint32(w))
	binary.Write(buf, binary.BigEndian, uint32(h))
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			buf.Write(row[x*4 : x*4+3])
		}
	}

	resp, err := d.t.Communicate(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}

	var dets []detection
	if err := json.Unmarshal(resp, &dets); err != nil {
		// Check if it's a Python error object (e.g. {"error": "..."})
		var errorResult types.ErrorResult
		if json.Unmarshal(resp, &errorResult) == nil && errorResult.Error != "" {
			return nil, &LogicError{Msg: errorResult.Error}
		}
		return nil, fmt.Errorf("detector JSON malformed: %w", err)
	}

	faces := make([]types.DetectedFace, 0, len(dets))
	for _, det := range dets {
		faces = append(faces, types.DetectedFace{
			Box: types.BoundingBox{
				X:      int(det.Box[0]),
				Y:      int(det.Box[1]),
				Width:  int(det.Box[2]),
				Height: int(det.Box[3]),
			},
			Confidence: det.Confidence,
		})
	}
	return faces, nil
}

// Close stops the worker.
func (d *Detector) Close() error {
	return d.t.Close()
}

// Command exposes the worker process so its stderr can be shown after a crash.
// Nil when the transport is not a process.
func (d *Detector) Command() *utils.SafeCommand {
	return commandOf(d.t)
}

// Check reports whether the worker can still serve requests.
func (d *Detector) Check() error {
	return checkOf(d.t)
}

func commandOf(t Transport) *utils.SafeCommand {
	switch w := t.(type) {
	case *PythonWorker:
		return w.Cmd
	case *Supervisor:
		return commandOf(w.current())
	}
	return nil
}

func checkOf(t Transport) error {
	if c, ok := t.(interface{ Check() error }); ok {
		return c.Check()
	}
	return nil
}
