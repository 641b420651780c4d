package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/retail-intel/ingest-cli/internal/model"
)

var batchesLimit int

var batchesCmd = &cobra.Command{
	Use:   "batches [batch-id]",
	Short: "Show ingestion batch ledger entries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var entries []model.RunLedgerEntry
		if len(args) == 1 {
			entry, err := st.GetLedger(ctx, args[0])
			if err != nil {
				return err
			}
			if entry == nil {
				return eris.Errorf("no ledger entry for batch %q", args[0])
			}
			entries = []model.RunLedgerEntry{*entry}
		} else {
			entries, err = st.ListLedger(ctx, batchesLimit)
			if err != nil {
				return err
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BATCH\tSTATUS\tOFFSET\tMERGES\tCREATES\tFLAGS\tSTARTED\tERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
				e.BatchID, e.Status, e.Offset, e.Merges, e.Creates, e.Flags,
				e.StartedAt.Format(time.RFC3339), e.Error)
		}
		return w.Flush()
	},
}

func init() {
	batchesCmd.Flags().IntVar(&batchesLimit, "limit", 50, "maximum number of ledger entries to list")
	rootCmd.AddCommand(batchesCmd)
}
