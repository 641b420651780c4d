package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/store"
)

var (
	reviewBatch      string
	reviewReason     string
	reviewUnresolved bool
	reviewLimit      int
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List records flagged for human review",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		flags, err := st.ListFlags(ctx, store.FlagFilter{
			BatchID:    reviewBatch,
			Reason:     model.FlagReason(reviewReason),
			Unresolved: reviewUnresolved,
			Limit:      reviewLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tBATCH\tOFFSET\tREASON\tDETAIL\tCANDIDATES")
		for _, f := range flags {
			cands := ""
			for i, c := range f.Candidates {
				if i > 0 {
					cands += " "
				}
				cands += fmt.Sprintf("%s=%.2f", c.CanonicalID, c.Score)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				f.ID, f.BatchID, f.RawOffset, f.Reason, f.Detail, cands)
		}
		return w.Flush()
	},
}

func init() {
	reviewCmd.Flags().StringVar(&reviewBatch, "batch", "", "only flags raised by this batch")
	reviewCmd.Flags().StringVar(&reviewReason, "reason", "", "filter by reason (ambiguous_match, malformed_record)")
	reviewCmd.Flags().BoolVar(&reviewUnresolved, "unresolved", false, "only flags without a recorded disposition")
	reviewCmd.Flags().IntVar(&reviewLimit, "limit", 100, "maximum number of flags to list")
	rootCmd.AddCommand(reviewCmd)
}
