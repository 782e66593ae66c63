package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/andresmejia3/deepscan/internal/imageclf"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/spf13/cobra"
)

var imageOpts struct {
	InputPath string
	JSON      bool
}

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Classify a still image with the hosted image model",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := utils.ValidateInputFile(imageOpts.InputPath); err != nil {
			return err
		}
		data, err := os.ReadFile(imageOpts.InputPath)
		if err != nil {
			return err
		}

		client := imageclf.New(Cfg.ImageModelURL, Cfg.HFToken, Cfg.HTTPTimeout)
		preds, err := client.Classify(cmd.Context(), data, mime.TypeByExtension(filepath.Ext(imageOpts.InputPath)))
		if err != nil {
			utils.ShowError("Image analysis failed", err, nil)
			return err
		}
		return printImagePredictions(os.Stdout, preds, imageOpts.JSON)
	},
}

func init() {
	imageCmd.Flags().StringVarP(&imageOpts.InputPath, "input", "i", "", "Path to image (JPG or PNG)")
	imageCmd.Flags().BoolVar(&imageOpts.JSON, "json", false, "Print predictions as JSON on stdout")
	imageCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(imageCmd)
}

func printImagePredictions(w io.Writer, preds []types.ImagePrediction, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(preds)
	}
	for _, p := range preds {
		if _, err := fmt.Fprintf(w, "%s %s: %.2f%%\n", p.Emoji, p.Label, p.Score*100); err != nil {
			return err
		}
	}
	return nil
}
