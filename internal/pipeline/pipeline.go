// Package pipeline runs one video through sampling, face extraction,
// classification and aggregation, producing a single Verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andresmejia3/deepscan/internal/aggregate"
	"github.com/andresmejia3/deepscan/internal/extractor"
	"github.com/andresmejia3/deepscan/internal/metrics"
	"github.com/andresmejia3/deepscan/internal/preprocess"
	"github.com/andresmejia3/deepscan/internal/sampler"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrOpenVideo means the input could not be opened or has no video stream.
	ErrOpenVideo = errors.New("cannot open video")
	// ErrDetector means the face detector became unavailable mid-call.
	ErrDetector = errors.New("face detector failed")
	// ErrClassifier means the classifier failed or returned a malformed batch.
	ErrClassifier = errors.New("classifier failed")
)

// VideoOpener opens a video for the duration of one call.
type VideoOpener interface {
	Open(ctx context.Context, path string) (types.VideoHandle, error)
}

// FrameClassifier returns one raw logit per tensor, in order.
type FrameClassifier interface {
	Classify(ctx context.Context, batch []types.FaceTensor) ([]float64, error)
}

type Config struct {
	TargetFrames   int
	Threshold      float64
	BatchSize      int
	ExtractWorkers int
	TempDir        string
}

// Settings identifies the options that change a verdict. Batch size and
// worker count only change speed.
func (c Config) Settings() string {
	return fmt.Sprintf("frames=%d threshold=%s", c.TargetFrames, strconv.FormatFloat(c.Threshold, 'g', -1, 64))
}

// DefaultConfig mirrors the defaults in internal/config.
func DefaultConfig() Config {
	return Config{
		TargetFrames:   sampler.DefaultTargetFrames,
		Threshold:      extractor.DefaultThreshold,
		BatchSize:      8,
		ExtractWorkers: 1,
		TempDir:        os.TempDir(),
	}
}

// Pipeline holds read-only collaborators; concurrent PredictVideo calls are
// safe as long as the collaborators are.
type Pipeline struct {
	opener     VideoOpener
	extractor  *extractor.Extractor
	classifier FrameClassifier
	cfg        Config
	logger     *zap.Logger
}

func New(opener VideoOpener, detector extractor.FaceDetector, classifier FrameClassifier, cfg Config, logger *zap.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.TargetFrames < 1 {
		cfg.TargetFrames = def.TargetFrames
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ExtractWorkers < 1 {
		cfg.ExtractWorkers = def.ExtractWorkers
	}
	if cfg.TempDir == "" {
		cfg.TempDir = def.TempDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ext := extractor.New(detector, extractor.Config{Threshold: cfg.Threshold, Workers: cfg.ExtractWorkers}, logger)
	return &Pipeline{
		opener:     opener,
		extractor:  ext,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger,
	}
}

// Settings reports the verdict-affecting configuration this pipeline runs with.
func (p *Pipeline) Settings() string {
	return p.cfg.Settings()
}

// ProgressFunc receives (framesDone, framesTotal) as sampled frames are processed.
type ProgressFunc func(done, total int)

type options struct {
	progress     ProgressFunc
	targetFrames int
}

type Option func(*options)

// WithProgress reports per-frame extraction progress.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// WithTargetFrames overrides the configured sample count for one call.
func WithTargetFrames(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.targetFrames = n
		}
	}
}

// PredictVideo classifies the video at path. A video without usable faces is
// not an error: it yields a label-less Verdict carrying types.NoFacesMessage.
func (p *Pipeline) PredictVideo(ctx context.Context, path string, opts ...Option) (types.Verdict, error) {
	o := options{targetFrames: p.cfg.TargetFrames}
	for _, opt := range opts {
		opt(&o)
	}

	tracer := otel.Tracer("pipeline")
	ctx, span := tracer.Start(ctx, "Pipeline.PredictVideo", trace.WithAttributes(attribute.String("video.path", path)))
	defer span.End()

	log := p.logger.With(zap.String("video", path))
	totalTimer := time.Now()

	// 1. Open (released on every path below)
	stageStart := time.Now()
	video, err := p.opener.Open(ctx, path)
	if err != nil {
		span.SetStatus(codes.Error, "open failed")
		return types.Verdict{}, fmt.Errorf("%w: %w", ErrOpenVideo, err)
	}
	defer func() {
		if err := video.Close(); err != nil {
			log.Warn("failed to close video", zap.Error(err))
		}
	}()
	metrics.StageDuration.WithLabelValues("open").Observe(time.Since(stageStart).Seconds())

	// 2. Sample
	total := video.FrameCount()
	indices := sampler.Sample(total, o.targetFrames)
	span.SetAttributes(attribute.Int("video.frames", total), attribute.Int("video.sampled", len(indices)))
	log.Debug("sampled frames", zap.Int("total", total), zap.Int("sampled", len(indices)))

	// 3. Extract
	stageStart = time.Now()
	exCtx, exSpan := tracer.Start(ctx, "extract_faces")
	var onFrame func()
	if o.progress != nil {
		done := 0
		o.progress(0, len(indices))
		onFrame = func() {
			done++
			o.progress(done, len(indices))
		}
	}
	extracted, err := p.extractor.Extract(exCtx, video, indices, onFrame)
	exSpan.End()
	if err != nil {
		span.SetStatus(codes.Error, "extract failed")
		if errors.Is(err, worker.ErrWorkerUnavailable) {
			return types.Verdict{}, fmt.Errorf("%w: %w", ErrDetector, err)
		}
		return types.Verdict{}, err
	}
	metrics.StageDuration.WithLabelValues("extract").Observe(time.Since(stageStart).Seconds())
	metrics.FacesExtractedTotal.Add(float64(len(extracted.Faces)))
	p.recordSkips(log, extracted.Skips)

	// 4. No faces: skip the classifier entirely
	if len(extracted.Faces) == 0 {
		verdict := aggregate.Aggregate(nil)
		p.finish(log, verdict, totalTimer)
		return verdict, nil
	}

	// 5. Preprocess + classify
	stageStart = time.Now()
	clCtx, clSpan := tracer.Start(ctx, "classify_faces")
	clSpan.SetAttributes(attribute.Int("faces", len(extracted.Faces)))
	probs, err := p.classify(clCtx, extracted.Faces)
	clSpan.End()
	if err != nil {
		span.SetStatus(codes.Error, "classify failed")
		return types.Verdict{}, err
	}
	metrics.StageDuration.WithLabelValues("classify").Observe(time.Since(stageStart).Seconds())

	// 6. Aggregate
	verdict := aggregate.Aggregate(probs)
	p.finish(log, verdict, totalTimer)
	span.SetAttributes(attribute.String("verdict.label", string(verdict.Label)))
	return verdict, nil
}

// classify runs faces through the classifier in batches and maps logits to
// probabilities, preserving face order.
func (p *Pipeline) classify(ctx context.Context, faces []types.FaceImage) ([]float64, error) {
	probs := make([]float64, 0, len(faces))

	for start := 0; start < len(faces); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(faces))

		batch := make([]types.FaceTensor, 0, end-start)
		for _, f := range faces[start:end] {
			batch = append(batch, preprocess.Transform(f.Image))
		}

		metrics.ClassifierCallsTotal.Inc()
		logits, err := p.classifier.Classify(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrClassifier, err)
		}
		if len(logits) != len(batch) {
			return nil, fmt.Errorf("%w: got %d logits for %d faces", ErrClassifier, len(logits), len(batch))
		}

		for _, l := range logits {
			probs = append(probs, aggregate.Sigmoid(l))
		}
	}
	return probs, nil
}

func (p *Pipeline) recordSkips(log *zap.Logger, skips []types.Skip) {
	for _, s := range skips {
		metrics.SkipsTotal.WithLabelValues(string(s.Reason)).Inc()
		if s.Err != nil {
			log.Debug("skipped", zap.Int("frame", s.FrameIndex), zap.Int("face", s.Face), zap.String("reason", string(s.Reason)), zap.Error(s.Err))
		}
	}
	if len(skips) > 0 {
		log.Info("extraction skipped items", zap.Int("count", len(skips)))
	}
}

func (p *Pipeline) finish(log *zap.Logger, v types.Verdict, start time.Time) {
	label := string(v.Label)
	if !v.HasLabel() {
		label = "none"
	}
	metrics.VerdictsTotal.WithLabelValues(label).Inc()
	metrics.StageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())

	log.Info("verdict",
		zap.String("label", label),
		zap.Float64("real", v.Confidence.Real),
		zap.Float64("fake", v.Confidence.Fake),
		zap.Int("faces", v.Faces),
	)
}

// uploadPattern names the spool files PredictReader creates.
const uploadPattern = "upload-*.mp4"

// CleanUploads removes spool files left behind in dir (for example by a killed
// process) and returns how many it removed. Nothing else in dir is touched.
func CleanUploads(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, uploadPattern))
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// PredictReader spools r to a temporary .mp4 under the configured temp dir,
// predicts on it and removes the file on every path.
func (p *Pipeline) PredictReader(ctx context.Context, r io.Reader, opts ...Option) (types.Verdict, error) {
	if err := os.MkdirAll(p.cfg.TempDir, 0755); err != nil {
		return types.Verdict{}, fmt.Errorf("create temp dir: %w", err)
	}

	tmp, err := os.CreateTemp(p.cfg.TempDir, uploadPattern)
	if err != nil {
		return types.Verdict{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return types.Verdict{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return types.Verdict{}, fmt.Errorf("close temp file: %w", err)
	}

	return p.PredictVideo(ctx, tmp.Name(), opts...)
}
