package cli

import (
	"encoding/json"
	"fmt"

	"github.com/iambrandonn/runjoin/internal/ledger"
	"github.com/iambrandonn/runjoin/internal/transcript"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect RUN_ID",
		Short: "Summarize a run recorded by the file collector",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	cmd.Flags().Bool("json", false, "Print the summary as JSON")
	cmd.Flags().Bool("records", false, "Print every journaled call of the run in recorded order")

	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}

	summary, err := ledger.ReadRun(cfg.Collector.Dir, args[0], logger)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	formatter := transcript.NewFormatter()
	formatter.FormatRun(cmd.OutOrStdout(), summary)

	if withRecords, _ := cmd.Flags().GetBool("records"); withRecords {
		records, err := ledger.ReadRecords(cfg.Collector.Dir, args[0], logger)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Records:")
		for _, rec := range records {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", formatter.FormatRecord(rec))
		}
	}
	return nil
}
