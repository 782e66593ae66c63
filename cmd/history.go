package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored verdicts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if DB == nil {
			return errNoDatabase
		}
		records, err := DB.ListVerdicts(cmd.Context(), historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list verdicts: %w", err)
		}
		printHistory(os.Stdout, records)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum rows to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

func printHistory(out io.Writer, records []types.VerdictRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No verdicts found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tLABEL\tREAL\tFAKE\tFACES\tCREATED")
	fmt.Fprintln(w, "--\t-----\t-----\t----\t----\t-----\t-------")

	for _, r := range records {
		label := string(r.Verdict.Label)
		if !r.Verdict.HasLabel() {
			label = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%.3f\t%d\t%s\n",
			r.ID, r.VideoPath, label, r.Verdict.Confidence.Real, r.Verdict.Confidence.Fake,
			r.Verdict.Faces, r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
