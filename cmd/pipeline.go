package cmd

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/deepscan/internal/config"
	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/andresmejia3/deepscan/internal/video"
	"github.com/andresmejia3/deepscan/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addPipelineFlags registers the tuning flags shared by predict and serve.
// Defaults come from config; a flag only wins when it is set explicitly.
func addPipelineFlags(fs *pflag.FlagSet) {
	fs.IntP("target-frames", "n", 20, "Number of frames to sample per video")
	fs.Float64P("threshold", "t", 0.9, "Minimum face detector confidence (inclusive)")
	fs.IntP("batch-size", "b", 8, "Faces per classifier call")
	fs.IntP("workers", "w", 1, "Frames decoded and detected in parallel")
}

func applyPipelineFlags(cmd *cobra.Command, cfg *config.Config) error {
	fs := cmd.Flags()
	var errs []error

	if fs.Lookup("target-frames") != nil && fs.Changed("target-frames") {
		v, err := fs.GetInt("target-frames")
		errs = append(errs, err)
		cfg.TargetFrames = v
	}
	if fs.Lookup("threshold") != nil && fs.Changed("threshold") {
		v, err := fs.GetFloat64("threshold")
		errs = append(errs, err)
		cfg.DetectionThreshold = v
	}
	if fs.Lookup("batch-size") != nil && fs.Changed("batch-size") {
		v, err := fs.GetInt("batch-size")
		errs = append(errs, err)
		cfg.BatchSize = v
	}
	if fs.Lookup("workers") != nil && fs.Changed("workers") {
		v, err := fs.GetInt("workers")
		errs = append(errs, err)
		cfg.ExtractWorkers = v
	}
	return errors.Join(errs...)
}

// engines owns the model worker processes behind a pipeline.
type engines struct {
	detector   *worker.Detector
	classifier *worker.Classifier
}

func (e *engines) Close() {
	if e.detector != nil {
		e.detector.Close()
	}
	if e.classifier != nil {
		e.classifier.Close()
	}
}

// buildPipeline starts the detector and classifier workers and wires them
// into a pipeline. The caller must Close the returned engines.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, *engines, error) {
	decoder, err := video.NewDecoder(cfg.FFmpegPath, cfg.FFprobePath, Log)
	if err != nil {
		return nil, nil, err
	}

	eng := &engines{}
	eng.detector, err = worker.StartDetector(cfg.PythonPath, cfg.DetectorScript, cfg.WorkerTimeout, Log)
	if err != nil {
		return nil, nil, fmt.Errorf("start face detector: %w", err)
	}
	eng.classifier, err = worker.StartClassifier(cfg.PythonPath, cfg.ClassifierScript, cfg.WorkerTimeout, Log)
	if err != nil {
		eng.Close()
		return nil, nil, fmt.Errorf("start classifier: %w", err)
	}

	p := pipeline.New(decoder, eng.detector, eng.classifier, pipelineConfig(cfg), Log)
	return p, eng, nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		TargetFrames:   cfg.TargetFrames,
		Threshold:      cfg.DetectionThreshold,
		BatchSize:      cfg.BatchSize,
		ExtractWorkers: cfg.ExtractWorkers,
		TempDir:        cfg.TempDir,
	}
}

// showPipelineError prints the error box, attaching the crashed worker's
// stderr when a model process died.
func showPipelineError(context string, err error, eng *engines) {
	var sc *utils.SafeCommand
	if eng != nil && errors.Is(err, worker.ErrWorkerUnavailable) {
		switch {
		case errors.Is(err, pipeline.ErrDetector) && eng.detector != nil:
			eng.detector.Close()
			sc = eng.detector.Command()
		case eng.classifier != nil:
			eng.classifier.Close()
			sc = eng.classifier.Command()
		}
	}
	utils.ShowError(context, err, sc)
}
