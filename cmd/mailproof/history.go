package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mailproof/mailproof/internal/model"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <campaign-id | email>",
	Short: "Look up indexed evidence by campaign or by recipient address",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum records when searching by address")
}

func runHistory(cmd *cobra.Command, args []string) (err error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d := &deps{cfg: cfg, log: log}
	defer func() { err = errors.Join(err, d.Close()) }()

	if _, err := d.Postgres(); err != nil {
		return err
	}
	index, err := d.evidenceIndex()
	if err != nil {
		return err
	}

	var records []model.EvidenceRecord
	if strings.Contains(args[0], "@") {
		records, err = index.FindByEmail(cmd.Context(), args[0], historyLimit)
	} else {
		records, err = index.ListByCampaign(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	printRecords(cmd.OutOrStdout(), records)
	return nil
}

func printRecords(w io.Writer, records []model.EvidenceRecord) {
	for _, r := range records {
		flag := ""
		if r.DeliveryAmbiguous {
			flag = " (ambiguous)"
		}
		fmt.Fprintf(w, "%s  %4d  %-40s  %-13s %-18s attempts=%d%s\n",
			r.CampaignID, r.Seq, r.Email, r.Outcome, r.FailureClass, r.AttemptCount, flag)
		if r.SHA256 != "" {
			fmt.Fprintf(w, "      sha256=%s  %s\n", r.SHA256, r.ArtifactPath)
		}
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no records")
	}
}
