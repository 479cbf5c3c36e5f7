package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailproof/mailproof/internal/evidence"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <campaign-dir>",
	Short: "Re-hash every stored message and compare it with the recorded evidence",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	report, err := evidence.Verify(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if report.Partial {
		fmt.Fprintln(out, "warning: campaign has no summary, verified from the running log")
	}
	if len(report.Missing) > 0 {
		fmt.Fprintf(out, "MISSING  %d of %d recipients have no record: %v\n", len(report.Missing), report.Expected, report.Missing)
	}
	for _, m := range report.Mismatches {
		if m.Err != nil {
			fmt.Fprintf(out, "MISMATCH %4d %s: %v\n", m.Seq, m.Path, m.Err)
			continue
		}
		fmt.Fprintf(out, "MISMATCH %4d %s: expected %s, got %s\n", m.Seq, m.Path, m.Expected, m.Actual)
	}
	fmt.Fprintf(out, "%s: %d of %d records, %d inputs checked, %d artifacts checked, %d mismatches\n",
		report.CampaignID, report.Records, report.Expected, report.InputsChecked, report.Checked, len(report.Mismatches))

	if !report.OK() {
		return fmt.Errorf("evidence verification failed: %d mismatches, %d recipients missing", len(report.Mismatches), len(report.Missing))
	}
	return nil
}
