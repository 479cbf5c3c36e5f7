package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mailproof/mailproof/internal/evidence"
	"github.com/mailproof/mailproof/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSend_DryRun(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("MAILPROOF_SMTP_FROM", "sender@example.com")
	t.Setenv("MAILPROOF_LOG_LEVEL", "error")

	list := writeFile(t, dir, "list.csv", "email,nome,cidade\na@example.com,Ana,Lisboa\nnot-an-address,Rui,Porto\nb@example.com,Bia,\nc@example.com,Caio\n")
	body := writeFile(t, dir, "body.txt", "Olá {{nome}}, de {{cidade}}!\n")

	out, err := execute(t, "send", "--recipients", list, "--template", body, "--subject", "Oi {{nome}}", "--dry-run")
	require.Error(t, err)
	require.Contains(t, out, "rejected: row")
	require.Contains(t, out, "not-an-address")
	require.Contains(t, out, "c@example.com")
	require.Contains(t, out, "dry run: 3 recipients, 2 ready, 1 would fail")

	// nothing is written during a dry run
	_, statErr := os.Stat(filepath.Join(dir, "evidence"))
	require.True(t, os.IsNotExist(statErr))
}

func TestVerify_Command(t *testing.T) {
	root := t.TempDir()
	c := &model.Campaign{
		ID:         "verify-20240301-093000-ab12cd",
		StartedAt:  time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Recipients: []model.Recipient{{Email: "a@example.com"}},
		Transport:  model.TransportSMTP,
		Sender:     "sender@example.com",
	}
	r, err := evidence.NewRecorder(root, c, evidence.Options{})
	require.NoError(t, err)

	ctx := context.Background()
	rec, err := r.Record(ctx, evidence.Entry{
		Seq:     1,
		Email:   "a@example.com",
		Message: &model.RenderedMessage{Seq: 1, Recipient: c.Recipients[0], MessageID: "<x@example.com>", Raw: []byte("Subject: x\r\n\r\nhello\r\n")},
		Outcome: model.OutcomeSuccess,
		Attempts: []model.SendAttempt{
			{Number: 1, Outcome: model.OutcomeSuccess},
		},
	})
	require.NoError(t, err)
	_, err = r.Finalize(ctx, "completed", "")
	require.NoError(t, err)

	out, err := execute(t, "verify", r.Dir())
	require.NoError(t, err)
	require.Contains(t, out, "1 of 1 records, 1 inputs checked, 1 artifacts checked, 0 mismatches")

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), rec.ArtifactPath), []byte("changed"), 0o644))
	out, err = execute(t, "verify", r.Dir())
	require.Error(t, err)
	require.Contains(t, out, "MISMATCH")
}
