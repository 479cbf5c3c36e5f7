package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailproof/mailproof/internal/config"
	"github.com/mailproof/mailproof/internal/email"
	"github.com/mailproof/mailproof/internal/evidence"
	"github.com/mailproof/mailproof/internal/logger"
	"github.com/mailproof/mailproof/internal/model"
	"github.com/mailproof/mailproof/internal/recipient"
	"github.com/mailproof/mailproof/internal/render"
	"github.com/mailproof/mailproof/internal/service"
)

var sendFlags struct {
	recipients string
	template   string
	subject    string
	label      string
	attach     []string
	transport  string
	dryRun     bool
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a personalized campaign and record evidence for every recipient",
	Args:  cobra.NoArgs,
	RunE:  runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendFlags.recipients, "recipients", "", "recipient list (CSV with an email column)")
	f.StringVar(&sendFlags.template, "template", "", "message body (.txt, .html or .md)")
	f.StringVar(&sendFlags.subject, "subject", "", "subject line, may contain placeholders")
	f.StringVar(&sendFlags.label, "label", "", "human label used in the campaign id")
	f.StringArrayVar(&sendFlags.attach, "attach", nil, "file to attach, repeatable")
	f.StringVar(&sendFlags.transport, "transport", "", "smtp or gmail, overrides campaign.transport")
	f.BoolVar(&sendFlags.dryRun, "dry-run", false, "validate and render every message without sending")
	_ = sendCmd.MarkFlagRequired("recipients")
	_ = sendCmd.MarkFlagRequired("template")
	_ = sendCmd.MarkFlagRequired("subject")
}

func runSend(cmd *cobra.Command, args []string) (err error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if sendFlags.transport != "" {
		cfg.Campaign.Transport = sendFlags.transport
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	recipients, err := loadRecipients(cmd.ErrOrStderr(), sendFlags.recipients)
	if err != nil {
		return err
	}
	tpl, err := render.LoadTemplate(sendFlags.template, sendFlags.subject, sendFlags.attach)
	if err != nil {
		return err
	}

	campaign, err := service.NewCampaign(service.CampaignParams{
		Label:      sendFlags.label,
		Recipients: recipients,
		Template:   tpl,
		Transport:  model.TransportKind(cfg.Campaign.Transport),
		Sender:     cfg.SenderAddress(),
		SenderName: cfg.Campaign.SenderName,
		Delay:      cfg.Campaign.Delay,
		RetryDelay: cfg.Campaign.RetryDelay,
		MaxRetries: cfg.Campaign.MaxRetries,
	}, time.Now())
	if err != nil {
		return err
	}
	composer := email.NewComposer(campaign.Sender, campaign.SenderName, cfg.Campaign.MessageDomain)

	if sendFlags.dryRun {
		return dryRun(cmd.OutOrStdout(), campaign, composer)
	}

	d := &deps{cfg: cfg, log: log}
	defer func() { err = errors.Join(err, d.Close()) }()

	ctx := cmd.Context()

	transport, err := d.transport(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, transport.Close()) }()

	opts := evidence.Options{Log: log}
	index, err := d.evidenceIndex()
	if err != nil {
		return err
	}
	if index != nil {
		opts.Index = index
	}
	recorder, err := evidence.NewRecorder(cfg.Campaign.EvidenceDir, campaign, opts)
	if err != nil {
		return err
	}

	progress, err := progressReporter(ctx, d, cfg, log)
	if err != nil {
		return err
	}

	ctrl := service.NewBatchController(campaign, transport, recorder, log,
		service.WithComposer(composer),
		service.WithProgress(progress),
	)
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigs:
			log.Warn().Msg("interrupt received, finishing the in-flight message")
			ctrl.Cancel()
		case <-finished:
		}
	}()

	summary, err := ctrl.Wait()
	if summary != nil {
		printSummary(cmd.OutOrStdout(), recorder.Dir(), summary)
	}
	if err != nil {
		return err
	}
	if summary != nil && summary.State == string(service.StateFatallyAborted) {
		return fmt.Errorf("campaign aborted: %s", summary.AbortReason)
	}
	return nil
}

// loadRecipients reads and validates the list; rejected rows are reported
// and left out of the campaign
func loadRecipients(w io.Writer, path string) ([]model.Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	all, err := recipient.ReadCSV(f)
	if err != nil {
		return nil, err
	}
	valid, rejected := recipient.Validate(all)
	for _, r := range rejected {
		fmt.Fprintf(w, "rejected: %s\n", r.Error())
	}
	if len(valid) == 0 {
		return nil, recipient.ErrNoRecipients
	}
	return valid, nil
}

// progressReporter logs every resolved recipient and, when a channel is
// configured, publishes it to Redis as well
func progressReporter(ctx context.Context, d *deps, cfg *config.Config, log *logger.Logger) (service.ProgressFunc, error) {
	logProgress := func(p model.Progress) {
		log.Info().
			Int("index", p.Index).
			Int("total", p.Total).
			Str("email", p.Email).
			Str("outcome", string(p.Outcome)).
			Msg("recipient resolved")
	}
	if cfg.Redis.ProgressChannel == "" {
		return logProgress, nil
	}

	r, err := d.Redis()
	if err != nil {
		return nil, err
	}
	publish := r.ProgressPublisher(ctx, cfg.Redis.ProgressChannel, log)
	return func(p model.Progress) {
		logProgress(p)
		publish(p)
	}, nil
}

// dryRun renders and composes every message, reporting what would fail,
// without contacting a provider or writing evidence
func dryRun(w io.Writer, c *model.Campaign, composer *email.Composer) error {
	renderer := render.New()
	failed := 0
	for i, rcpt := range c.Recipients {
		content, err := renderer.Render(c.Template, rcpt)
		if err == nil {
			_, err = composer.Compose(email.Draft{
				CampaignID:  c.ID,
				Seq:         i + 1,
				Recipient:   rcpt,
				Content:     content,
				Attachments: c.Template.Attachments,
				Date:        c.StartedAt,
			})
		}
		if err != nil {
			failed++
			fmt.Fprintf(w, "%4d  %-40s  %v\n", i+1, rcpt.Email, err)
		}
	}
	fmt.Fprintf(w, "dry run: %d recipients, %d ready, %d would fail\n", len(c.Recipients), len(c.Recipients)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d messages cannot be rendered", failed)
	}
	return nil
}

func printSummary(w io.Writer, dir string, s *model.CampaignSummary) {
	fmt.Fprintf(w, "campaign %s %s\n", s.CampaignID, s.State)
	if s.AbortReason != "" {
		fmt.Fprintf(w, "  reason:    %s\n", s.AbortReason)
	}
	fmt.Fprintf(w, "  total:     %d\n  sent:      %d\n  failed:    %d\n  skipped:   %d\n  ambiguous: %d\n",
		s.Total, s.Sent, s.Failed, s.Skipped, s.Ambiguous)
	fmt.Fprintf(w, "  evidence:  %s\n", filepath.Join(dir, evidence.SummaryFile))
}
