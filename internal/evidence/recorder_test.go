package evidence_test

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mailproof/mailproof/internal/evidence"
	"github.com/mailproof/mailproof/internal/model"
)

func testCampaign() *model.Campaign {
	return &model.Campaign{
		ID:        "report-20240301-093000-ab12cd",
		Label:     "report",
		StartedAt: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Recipients: []model.Recipient{
			{Email: "a@example.com"},
			{Email: "b@example.com"},
			{Email: "c@example.com"},
		},
		Template:  model.Template{Subject: "Monthly report"},
		Transport: model.TransportSMTP,
		Sender:    "sender@example.com",
	}
}

func message(seq int, addr string) *model.RenderedMessage {
	return &model.RenderedMessage{
		Seq:       seq,
		Recipient: model.Recipient{Email: addr},
		MessageID: "<id-" + addr + ">",
		Raw:       []byte("Subject: hi\r\n\r\nbody for " + addr + "\r\n"),
	}
}

func success(seq int, addr string) evidence.Entry {
	return evidence.Entry{
		Seq:               seq,
		Email:             addr,
		Message:           message(seq, addr),
		Outcome:           model.OutcomeSuccess,
		Attempts:          []model.SendAttempt{{Number: 1, Outcome: model.OutcomeSuccess, ProviderMessageID: "p-" + addr}},
		ProviderMessageID: "p-" + addr,
	}
}

type memIndex struct {
	mu      sync.Mutex
	records []model.EvidenceRecord
	err     error
}

func (m *memIndex) Insert(_ context.Context, rec *model.EvidenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return m.err
}

func readLog(t *testing.T, dir string) []model.EvidenceRecord {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, evidence.LogFile))
	require.NoError(t, err)
	defer f.Close()

	var out []model.EvidenceRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec model.EvidenceRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestNewRecorder_CreatesLayout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	r, err := evidence.NewRecorder(root, testCampaign(), evidence.Options{})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "report-20240301-093000-ab12cd"), r.Dir())

	manifest, err := os.ReadFile(filepath.Join(r.Dir(), evidence.ManifestFile))
	require.NoError(t, err)
	require.Equal(t, "1\ta@example.com\n2\tb@example.com\n3\tc@example.com\n", string(manifest))

	_, err = os.Stat(filepath.Join(r.Dir(), evidence.CampaignFile))
	require.NoError(t, err)

	_, err = evidence.NewRecorder(root, testCampaign(), evidence.Options{})
	require.ErrorIs(t, err, evidence.ErrExists)
}

func TestNewRecorder_PersistsInputs(t *testing.T) {
	t.Parallel()

	c := testCampaign()
	c.Template.Body = "# Report\n\nHello {{name}}\n"
	c.Template.Format = model.FormatMarkdown
	c.Template.Attachments = []model.Attachment{
		{Filename: "../q1 report.pdf", ContentType: "application/pdf", Content: []byte("%PDF q1")},
		{Filename: "notes.txt", ContentType: "text/plain", Content: []byte("notes")},
	}
	r, err := evidence.NewRecorder(t.TempDir(), c, evidence.Options{})
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(r.Dir(), "template.md"))
	require.NoError(t, err)
	require.Equal(t, c.Template.Body, string(body))

	require.Equal(t, "attachments/01-q1_report.pdf", evidence.AttachmentName(0, "../q1 report.pdf"))
	pdf, err := os.ReadFile(filepath.Join(r.Dir(), "attachments", "01-q1_report.pdf"))
	require.NoError(t, err)
	require.Equal(t, "%PDF q1", string(pdf))

	hash := func(b []byte) string {
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}
	sums, err := os.ReadFile(filepath.Join(r.Dir(), evidence.InputsFile))
	require.NoError(t, err)
	require.Equal(t,
		hash(body)+"  template.md\n"+
			hash([]byte("%PDF q1"))+"  attachments/01-q1_report.pdf\n"+
			hash([]byte("notes"))+"  attachments/02-notes.txt\n",
		string(sums))
}

func TestRecorder_WritesCampaignLog(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 9, 30, 5, 0, time.UTC)
	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{Now: func() time.Time { return at }})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Record(ctx, success(1, "a@example.com"))
	require.NoError(t, err)
	_, err = r.Record(ctx, evidence.Entry{
		Seq: 2, Email: "b@example.com", Message: message(2, "b@example.com"),
		Outcome: model.OutcomeFatal, FailureClass: model.FailureRetriesExhausted, Ambiguous: true,
		Attempts: []model.SendAttempt{{Number: 1, Outcome: model.OutcomeRetryable}, {Number: 2, Outcome: model.OutcomeRetryable}},
	})
	require.NoError(t, err)
	_, err = r.Finalize(ctx, "aborted", "quota exhausted")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(r.Dir(), evidence.TextLogFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "2024-03-01T09:30:05Z  "), line)
	}
	require.Contains(t, lines[0], "campaign report-20240301-093000-ab12cd started")
	require.Contains(t, lines[0], "recipients=3")
	require.Contains(t, lines[1], "0001 a@example.com success attempts=1")
	require.Contains(t, lines[2], "0002 b@example.com fatal/retries_exhausted attempts=2 ambiguous")
	require.Contains(t, lines[3], `campaign finished: state=aborted reason="quota exhausted" total=2 sent=1 failed=1`)
}

func TestRecord_HashesExactBytes(t *testing.T) {
	t.Parallel()

	index := &memIndex{}
	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{Index: index})
	require.NoError(t, err)

	entry := success(1, "a@example.com")
	rec, err := r.Record(context.Background(), entry)
	require.NoError(t, err)

	sum := sha256.Sum256(entry.Message.Raw)
	require.Equal(t, hex.EncodeToString(sum[:]), rec.SHA256)
	require.Equal(t, "0001-a@example.com.eml", rec.ArtifactPath)
	require.Equal(t, 1, rec.AttemptCount)
	require.Equal(t, "<id-a@example.com>", rec.MessageID)

	stored, err := os.ReadFile(filepath.Join(r.Dir(), rec.ArtifactPath))
	require.NoError(t, err)
	require.Equal(t, entry.Message.Raw, stored)

	sidecar, err := os.ReadFile(filepath.Join(r.Dir(), rec.ArtifactPath+".sha256"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(sidecar), rec.SHA256))

	require.Len(t, readLog(t, r.Dir()), 1)
	require.Len(t, index.records, 1)
}

func TestRecord_OncePerRecipient(t *testing.T) {
	t.Parallel()

	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{})
	require.NoError(t, err)

	_, err = r.Record(context.Background(), success(1, "a@example.com"))
	require.NoError(t, err)
	_, err = r.Record(context.Background(), success(1, "a@example.com"))
	require.Error(t, err)
	require.Len(t, r.Records(), 1)
}

func TestRecord_NotAttemptedHasNoArtifact(t *testing.T) {
	t.Parallel()

	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{})
	require.NoError(t, err)

	rec, err := r.Record(context.Background(), evidence.Entry{
		Seq:          3,
		Email:        "c@example.com",
		Outcome:      model.OutcomeNotAttempted,
		FailureClass: model.FailureCancelled,
	})
	require.NoError(t, err)
	require.Empty(t, rec.ArtifactPath)
	require.Empty(t, rec.SHA256)
	require.Zero(t, rec.AttemptCount)
	require.NotNil(t, rec.Attempts)
}

func TestRecord_IOFailureIsFatalAndDistinct(t *testing.T) {
	t.Parallel()

	index := &memIndex{}
	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{Index: index})
	require.NoError(t, err)

	// occupy the artifact path so the exclusive create fails
	require.NoError(t, os.Mkdir(filepath.Join(r.Dir(), evidence.ArtifactName(2, "b@example.com")), 0o755))

	rec, err := r.Record(context.Background(), success(2, "b@example.com"))
	require.ErrorIs(t, err, evidence.ErrEvidenceIO)
	require.Equal(t, model.OutcomeFatal, rec.Outcome)
	require.Equal(t, model.FailureEvidenceIO, rec.FailureClass)
	require.True(t, rec.DeliveryAmbiguous)
	require.Equal(t, "p-b@example.com", rec.ProviderMessageID)
	require.NotEmpty(t, rec.SHA256)

	// still accounted for everywhere except the index
	require.Len(t, r.Records(), 1)
	logged := readLog(t, r.Dir())
	require.Len(t, logged, 1)
	require.Equal(t, model.FailureEvidenceIO, logged[0].FailureClass)
	require.Empty(t, index.records)
}

func TestRecord_IndexFailureDoesNotFail(t *testing.T) {
	t.Parallel()

	index := &memIndex{err: errors.New("database down")}
	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{Index: index})
	require.NoError(t, err)

	rec, err := r.Record(context.Background(), success(1, "a@example.com"))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSuccess, rec.Outcome)
}

func TestFinalize_WritesSummary(t *testing.T) {
	t.Parallel()

	finished := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{Now: func() time.Time { return finished }})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Record(ctx, success(1, "a@example.com"))
	require.NoError(t, err)
	_, err = r.Record(ctx, evidence.Entry{
		Seq: 2, Email: "b@example.com", Message: message(2, "b@example.com"),
		Outcome: model.OutcomeFatal, FailureClass: model.FailureRetriesExhausted, Ambiguous: true,
		Attempts: []model.SendAttempt{{Number: 1, Outcome: model.OutcomeRetryable}, {Number: 2, Outcome: model.OutcomeFatal}},
	})
	require.NoError(t, err)
	_, err = r.Record(ctx, evidence.Entry{Seq: 3, Email: "c@example.com", Outcome: model.OutcomeNotAttempted, FailureClass: model.FailureCancelled})
	require.NoError(t, err)

	summary, err := r.Finalize(ctx, "cancelled", "")
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 1, summary.Sent)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, summary.Ambiguous)

	data, err := os.ReadFile(filepath.Join(r.Dir(), evidence.SummaryFile))
	require.NoError(t, err)
	var stored model.CampaignSummary
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Equal(t, "cancelled", stored.State)
	require.True(t, stored.FinishedAt.Equal(finished))
	require.Len(t, stored.Records, 3)
	require.Equal(t, 2, stored.Records[1].AttemptCount)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{})
	require.NoError(t, err)
	_, err = r.Record(ctx, success(1, "a@example.com"))
	require.NoError(t, err)
	rec, err := r.Record(ctx, success(2, "b@example.com"))
	require.NoError(t, err)

	// before finalize the running log is used
	report, err := evidence.Verify(r.Dir())
	require.NoError(t, err)
	require.True(t, report.Partial)
	require.Equal(t, 2, report.Checked)
	require.Equal(t, 3, report.Expected)
	require.Equal(t, []int{3}, report.Missing)
	require.True(t, report.OK())

	_, err = r.Record(ctx, success(3, "c@example.com"))
	require.NoError(t, err)
	_, err = r.Finalize(ctx, "completed", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), rec.ArtifactPath), []byte("tampered"), 0o644))

	report, err = evidence.Verify(r.Dir())
	require.NoError(t, err)
	require.False(t, report.Partial)
	require.Equal(t, "report-20240301-093000-ab12cd", report.CampaignID)
	require.Empty(t, report.Missing)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, 2, report.Mismatches[0].Seq)
	require.NotEqual(t, report.Mismatches[0].Expected, report.Mismatches[0].Actual)
	require.False(t, report.OK())
}

func TestVerify_FinishedCampaignMissingRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, err := evidence.NewRecorder(t.TempDir(), testCampaign(), evidence.Options{})
	require.NoError(t, err)
	_, err = r.Record(ctx, success(1, "a@example.com"))
	require.NoError(t, err)
	_, err = r.Record(ctx, success(3, "c@example.com"))
	require.NoError(t, err)
	_, err = r.Finalize(ctx, "completed", "")
	require.NoError(t, err)

	report, err := evidence.Verify(r.Dir())
	require.NoError(t, err)
	require.False(t, report.Partial)
	require.Equal(t, 2, report.Records)
	require.Equal(t, 3, report.Expected)
	require.Equal(t, []int{2}, report.Missing)
	require.Empty(t, report.Mismatches)
	require.False(t, report.OK())
}

func TestVerify_DetectsChangedInputs(t *testing.T) {
	t.Parallel()

	c := testCampaign()
	c.Template.Body = "Hello {{name}}"
	c.Template.Format = model.FormatHTML
	c.Template.Attachments = []model.Attachment{{Filename: "terms.pdf", ContentType: "application/pdf", Content: []byte("%PDF terms")}}
	r, err := evidence.NewRecorder(t.TempDir(), c, evidence.Options{})
	require.NoError(t, err)

	report, err := evidence.Verify(r.Dir())
	require.NoError(t, err)
	require.Equal(t, 2, report.InputsChecked)
	require.Empty(t, report.Mismatches)

	attachment := evidence.AttachmentName(0, "terms.pdf")
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), filepath.FromSlash(attachment)), []byte("%PDF other terms"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(r.Dir(), "template.html")))

	report, err = evidence.Verify(r.Dir())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 2)
	byPath := map[string]evidence.Mismatch{}
	for _, m := range report.Mismatches {
		require.Zero(t, m.Seq)
		byPath[m.Path] = m
	}
	require.ErrorIs(t, byPath["template.html"].Err, os.ErrNotExist)
	require.NoError(t, byPath[attachment].Err)
	require.NotEqual(t, byPath[attachment].Expected, byPath[attachment].Actual)
	require.False(t, report.OK())
}
