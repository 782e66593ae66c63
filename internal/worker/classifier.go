package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"go.uber.org/zap"
)

// TensorLen is the number of float32 values in one face tensor.
const TensorLen = types.FaceChannels * types.FaceSize * types.FaceSize

// Classifier is the frame classifier collaborator backed by a worker process.
// It returns one raw logit per tensor, in input order.
type Classifier struct {
	t Transport
}

func NewClassifier(t Transport) *Classifier {
	return &Classifier{t: t}
}

// StartClassifier spawns the classifier script under python, respawning it after a crash or timeout.
func StartClassifier(python, script string, timeout time.Duration, logger *zap.Logger) (*Classifier, error) {
	sup, err := Supervise("classifier", func() (Transport, error) {
		return NewPythonWorker("classifier", python, script, timeout)
	}, logger)
	if err != nil {
		return nil, err
	}
	return NewClassifier(sup), nil
}

// Classify sends [N][N x 3x224x224 float32] and reads back N float32 logits.
func (c *Classifier) Classify(ctx context.Context, batch []types.FaceTensor) ([]float64, error) {
	if len(batch) == 0 {
		return []float64{}, nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4+len(batch)*TensorLen*4))
	binary.Write(buf, binary.BigEndian, uint32(len(batch)))
	for i, t := range batch {
		if len(t.Data) != TensorLen {
			return nil, fmt.Errorf("tensor %d: got %d values, want %d", i, len(t.Data), TensorLen)
		}
		if err := binary.Write(buf, binary.BigEndian, t.Data); err != nil {
			return nil, err
		}
	}

	resp, err := c.t.Communicate(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}
	if len(resp) != 4*len(batch) {
		return nil, fmt.Errorf("classifier returned %d bytes for %d tensors", len(resp), len(batch))
	}

	logits := make([]float64, len(batch))
	for i := range logits {
		bits := binary.BigEndian.Uint32(resp[i*4:])
		logits[i] = float64(math.Float32frombits(bits))
	}
	return logits, nil
}

// Close stops the worker.
func (c *Classifier) Close() error {
	return c.t.Close()
}

// Command exposes the worker process so its stderr can be shown after a crash.
func (c *Classifier) Command() *utils.SafeCommand {
	return commandOf(c.t)
}

func (c *Classifier) Check() error {
	return checkOf(c.t)
}
