package types

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"
)

// FaceSize is the fixed edge length (pixels) of every face fed to the classifier.
const FaceSize = 224

// FaceChannels is the number of colour planes in a FaceTensor.
const FaceChannels = 3

// NoFacesMessage is the diagnostic attached to a Verdict when no face survived extraction.
const NoFacesMessage = "No faces detected in video."

// Frame is one decoded video frame as it comes off the decoder: packed BGR, 3 bytes per pixel.
type Frame struct {
	Index  int
	Width  int
	Height int
	BGR    []byte
}

// VideoHandle is an open, seekable video owned by a single prediction call.
type VideoHandle interface {
	// FrameCount is the total number of frames the container reports.
	FrameCount() int
	// ReadFrame seeks to index and decodes that frame.
	ReadFrame(ctx context.Context, index int) (Frame, error)
	// Close releases the decode resources. Safe to call more than once.
	Close() error
}

// BoundingBox is a detector box in frame pixel coordinates. X/Y may be negative at frame edges.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectedFace is a single detector hit for one frame.
type DetectedFace struct {
	Box        BoundingBox
	Confidence float64
}

// FaceImage is a cropped face resized to FaceSize x FaceSize.
type FaceImage struct {
	FrameIndex int
	Image      *image.RGBA
}

// FaceTensor is a channel-first (C, H, W) float32 buffer, normalised to roughly [-1, 1].
type FaceTensor struct {
	Data []float32
}

// SkipReason says why a frame or a face was dropped during extraction.
type SkipReason string

const (
	SkipDecode        SkipReason = "decode_failed"
	SkipDetect        SkipReason = "detect_failed"
	SkipLowConfidence SkipReason = "low_confidence"
	SkipEmptyCrop     SkipReason = "empty_crop"
)

// Skip records one item-level failure. Face is -1 when the whole frame was skipped.
type Skip struct {
	FrameIndex int
	Face       int
	Reason     SkipReason
	Err        error
}

// Label is the discrete outcome of a video analysis.
type Label string

const (
	LabelReal Label = "Real"
	LabelFake Label = "Fake"
)

// Confidence is the Real/Fake probability split, each rounded to 3 decimals.
type Confidence struct {
	Real float64 `json:"Real"`
	Fake float64 `json:"Fake"`
}

// Verdict is the result of one PredictVideo call. An empty Label means no face was found.
type Verdict struct {
	Label      Label      `json:"class,omitempty"`
	Confidence Confidence `json:"confidence"`
	Message    string     `json:"message,omitempty"`
	Faces      int        `json:"faces"`
}

// HasLabel reports whether the verdict carries a Real/Fake decision.
func (v Verdict) HasLabel() bool {
	return v.Label != ""
}

// ImagePrediction is one label/score pair from the hosted image classifier.
type ImagePrediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Emoji string  `json:"emoji"`
}

// VerdictRecord is a persisted verdict joined with its video metadata.
type VerdictRecord struct {
	ID        int64
	VideoID   string
	VideoPath string
	Settings  string
	Verdict   Verdict
	CreatedAt time.Time
}

// AnalysisRequest is the inbound queue message asking for one video to be analysed.
type AnalysisRequest struct {
	JobID    uuid.UUID `json:"job_id"`
	VideoKey string    `json:"video_key"`
}

// AnalysisResult is the outbound queue message carrying the verdict or the failure.
type AnalysisResult struct {
	JobID     uuid.UUID `json:"job_id"`
	VideoKey  string    `json:"video_key"`
	Verdict   *Verdict  `json:"verdict,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// ErrorResult captures the error object returned by a Python worker on failure
type ErrorResult struct {
	Error string `json:"error"`
}
