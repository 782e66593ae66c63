package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var predictOpts struct {
	InputPath string
	JSON      bool
	Force     bool
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Classify a video as Real or Fake",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPredict(cmd)
	},
}

func init() {
	predictCmd.Flags().StringVarP(&predictOpts.InputPath, "input", "i", "", "Path to video")
	predictCmd.Flags().BoolVar(&predictOpts.JSON, "json", false, "Print the verdict as JSON on stdout")
	predictCmd.Flags().BoolVarP(&predictOpts.Force, "force", "f", false, "Re-analyse even if a stored verdict exists")
	addPipelineFlags(predictCmd.Flags())

	predictCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(predictCmd)
}

func runPredict(cmd *cobra.Command) error {
	ctx := cmd.Context()

	if err := utils.ValidateInputFile(predictOpts.InputPath); err != nil {
		return err
	}

	// 1. Identify the video by content and reuse a stored verdict produced with
	// the same sampling settings
	settings := pipelineConfig(Cfg).Settings()
	var videoID string
	if DB != nil {
		var err error
		videoID, err = utils.GenerateVideoID(predictOpts.InputPath)
		if err != nil {
			return fmt.Errorf("failed to generate video ID: %w", err)
		}
		fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

		if !predictOpts.Force {
			rec, err := DB.LatestVerdict(ctx, videoID, settings)
			switch {
			case err == nil:
				fmt.Fprintf(os.Stderr, "♻️  Using stored verdict from %s (use --force to re-run)\n", rec.CreatedAt.Local().Format("2006-01-02 15:04"))
				return printVerdict(os.Stdout, rec.Verdict, predictOpts.JSON)
			case !errors.Is(err, store.ErrNotFound):
				Log.Warn("verdict lookup failed, analysing anyway", zap.Error(err))
			}
		}
	}

	// 2. Spawn the model workers
	fmt.Fprintln(os.Stderr, "⚙️  Spawning model workers...")
	p, eng, err := buildPipeline(Cfg)
	if err != nil {
		utils.ShowError("Startup failed", err, nil)
		return err
	}
	defer eng.Close()

	// 3. Run
	var opts []pipeline.Option
	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("🔍 DeepScan Analysing"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)
		opts = append(opts, pipeline.WithProgress(func(done, total int) {
			if bar.GetMax() != total {
				bar.ChangeMax(total)
			}
			bar.Set(done)
		}))
	}

	verdict, err := p.PredictVideo(ctx, predictOpts.InputPath, opts...)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		showPipelineError("Analysis failed", err, eng)
		return err
	}

	// 4. Persist
	if DB != nil {
		if err := DB.EnsureVideoMetadata(ctx, videoID, predictOpts.InputPath); err != nil {
			return fmt.Errorf("failed to register video metadata: %w", err)
		}
		if _, err := DB.InsertVerdict(ctx, videoID, settings, verdict); err != nil {
			return fmt.Errorf("failed to store verdict: %w", err)
		}
	}

	fmt.Fprintln(os.Stderr, "🏁 Analysis Complete.")
	return printVerdict(os.Stdout, verdict, predictOpts.JSON)
}

// printVerdict writes either the JSON verdict or a short human summary.
func printVerdict(w io.Writer, v types.Verdict, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	if !v.HasLabel() {
		_, err := fmt.Fprintf(w, "🤷 %s\n", v.Message)
		return err
	}

	icon := "🔴"
	if v.Label == types.LabelReal {
		icon = "🟢"
	}
	_, err := fmt.Fprintf(w, "%s %s (Real: %.1f%%, Fake: %.1f%%, %d faces)\n",
		icon, v.Label, v.Confidence.Real*100, v.Confidence.Fake*100, v.Faces)
	return err
}
