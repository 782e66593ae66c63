// Package analysis handles queue-driven video analysis jobs: fetch the upload,
// run the pipeline, persist and publish the verdict.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/deepscan/internal/metrics"
	"github.com/andresmejia3/deepscan/internal/objstore"
	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/andresmejia3/deepscan/internal/queue"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/video"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Error kinds carried in AnalysisResult.ErrorKind.
const (
	KindInvalidInput = "invalid_input"
	KindNotFound     = "not_found"
)

// VideoSource opens uploaded videos by key.
type VideoSource interface {
	OpenVideo(ctx context.Context, key string) (io.ReadCloser, error)
}

// Predictor is the part of the pipeline the service needs.
type Predictor interface {
	PredictReader(ctx context.Context, r io.Reader, opts ...pipeline.Option) (types.Verdict, error)
	Settings() string
}

// ResultPublisher emits finished analyses.
type ResultPublisher interface {
	PublishResult(ctx context.Context, res types.AnalysisResult) error
}

// VerdictRepository persists verdicts. Optional.
type VerdictRepository interface {
	EnsureVideoMetadata(ctx context.Context, videoID, path string) error
	InsertVerdict(ctx context.Context, videoID, settings string, v types.Verdict) (int64, error)
}

type Service struct {
	source    VideoSource
	predictor Predictor
	publisher ResultPublisher
	repo      VerdictRepository
	logger    *zap.Logger
}

// NewService wires the job handler. repo may be nil.
func NewService(source VideoSource, predictor Predictor, publisher ResultPublisher, repo VerdictRepository, logger *zap.Logger) *Service {
	return &Service{
		source:    source,
		predictor: predictor,
		publisher: publisher,
		repo:      repo,
		logger:    logger,
	}
}

// Handle is a queue.MessageHandler. Bad input is answered with a failed result
// and acknowledged; infrastructure and classifier failures are returned for retry.
func (s *Service) Handle(ctx context.Context, body []byte) error {
	tracer := otel.Tracer("analysis")
	ctx, span := tracer.Start(ctx, "Service.Handle")
	defer span.End()

	var req types.AnalysisRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", body))
		metrics.JobsTotal.WithLabelValues("malformed").Inc()
		return queue.Permanent(fmt.Errorf("unmarshal request: %w", err))
	}
	if req.VideoKey == "" {
		metrics.JobsTotal.WithLabelValues("malformed").Inc()
		return queue.Permanent(errors.New("request has no video_key"))
	}

	span.SetAttributes(
		attribute.String("job.id", req.JobID.String()),
		attribute.String("job.video_key", req.VideoKey),
	)
	log := s.logger.With(zap.String("job_id", req.JobID.String()), zap.String("video_key", req.VideoKey))

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	start := time.Now()

	// 1. Fetch the upload
	obj, err := s.source.OpenVideo(ctx, req.VideoKey)
	if err != nil {
		if objstore.IsNotFound(err) {
			log.Warn("video not found")
			return s.fail(ctx, req, KindNotFound, err)
		}
		return fmt.Errorf("open upload: %w", err)
	}
	defer obj.Close()

	// 2. Predict
	verdict, err := s.predictor.PredictReader(ctx, obj)
	if err != nil {
		if errors.Is(err, pipeline.ErrOpenVideo) || errors.Is(err, video.ErrNoVideoStream) {
			log.Warn("upload is not a readable video", zap.Error(err))
			return s.fail(ctx, req, KindInvalidInput, err)
		}
		log.Error("analysis failed", zap.Error(err))
		metrics.JobsTotal.WithLabelValues("retry").Inc()
		return fmt.Errorf("predict: %w", err)
	}

	// 3. Persist (best effort: the verdict is still published)
	if s.repo != nil {
		videoID := "object:" + req.VideoKey
		if err := s.repo.EnsureVideoMetadata(ctx, videoID, req.VideoKey); err != nil {
			log.Error("failed to register video", zap.Error(err))
		} else if _, err := s.repo.InsertVerdict(ctx, videoID, s.predictor.Settings(), verdict); err != nil {
			log.Error("failed to store verdict", zap.Error(err))
		}
	}

	// 4. Publish
	res := types.AnalysisResult{JobID: req.JobID, VideoKey: req.VideoKey, Verdict: &verdict}
	if err := s.publisher.PublishResult(ctx, res); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}

	metrics.JobsTotal.WithLabelValues("completed").Inc()
	log.Info("job completed", zap.String("label", string(verdict.Label)), zap.Duration("took", time.Since(start)))
	return nil
}

// fail publishes a terminal failure. The message is then acked, so only a
// publish error is returned.
func (s *Service) fail(ctx context.Context, req types.AnalysisRequest, kind string, cause error) error {
	metrics.JobsTotal.WithLabelValues("failed").Inc()
	res := types.AnalysisResult{
		JobID:     req.JobID,
		VideoKey:  req.VideoKey,
		Error:     cause.Error(),
		ErrorKind: kind,
	}
	if err := s.publisher.PublishResult(ctx, res); err != nil {
		return fmt.Errorf("publish failure result: %w", err)
	}
	return nil
}
