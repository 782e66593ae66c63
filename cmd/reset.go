package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	resetYes  bool
	resetTemp bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored state (verdict tables, temp uploads)",
	Long: "Drops the verdict tables when a database is configured. With --temp it also " +
		"removes leftover upload spool files from the temp directory.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if DB == nil && !resetTemp {
			return errNoDatabase
		}

		reader := bufio.NewReader(os.Stdin)

		if DB != nil {
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all verdict tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("failed to reset database: %w", err)
				}
			}
		}

		if resetTemp {
			if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Delete leftover uploads in %s?", Cfg.TempDir)) {
				fmt.Println("🗑️  Clearing Temp Uploads...")
				cleanUploads(os.Stdout, Cfg.TempDir)
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().BoolVar(&resetTemp, "temp", false, "Also remove leftover upload files from the temp directory")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func cleanUploads(w io.Writer, dir string) {
	n, err := pipeline.CleanUploads(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to clean %s: %v\n", dir, err)
	}
	fmt.Fprintf(w, "Removed %d upload file(s).\n", n)
}
