// Package evidence persists hashed, append-only proof of every send.
//
// Layout of one campaign directory:
//
//	campaign.json          campaign parameters, written at start
//	recipients.txt         the ordered recipient manifest, written at start
//	template.<ext>         the raw template body as loaded
//	attachments/NN-<name>  every attachment as loaded
//	inputs.sha256          hashes of the template and attachments
//	campaign.log           human-readable progress, one line per event
//	NNNN-<email>.eml       the exact bytes handed to the transport
//	NNNN-<email>.eml.sha256
//	evidence.jsonl         one line per recipient, appended and synced as it resolves
//	summary.json           written once when the campaign finishes
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mailproof/mailproof/internal/logger"
	"github.com/mailproof/mailproof/internal/model"
)

// File names inside a campaign directory
const (
	CampaignFile = "campaign.json"
	ManifestFile = "recipients.txt"
	LogFile      = "evidence.jsonl"
	SummaryFile  = "summary.json"
	InputsFile   = "inputs.sha256"
	TextLogFile  = "campaign.log"
	AttachDir    = "attachments"
)

// Evidence errors
var (
	ErrEvidenceIO = errors.New("evidence write failed")
	ErrExists     = errors.New("evidence directory already exists")
)

// Index receives every record after it is durably written.
// The file trail stays authoritative; index failures are only logged.
type Index interface {
	Insert(ctx context.Context, rec *model.EvidenceRecord) error
}

// Options configure a Recorder
type Options struct {
	Index Index
	Log   *logger.Logger
	Now   func() time.Time
}

// Entry is the terminal state of one recipient
type Entry struct {
	Seq   int
	Email string
	// Message is nil when no message could be built
	Message           *model.RenderedMessage
	Outcome           model.Outcome
	FailureClass      model.FailureClass
	Reason            string
	Attempts          []model.SendAttempt
	ProviderMessageID string
	ProviderResponse  json.RawMessage
	Ambiguous         bool
}

// Recorder writes the evidence trail of one campaign
type Recorder struct {
	dir      string
	campaign *model.Campaign
	index    Index
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	records []model.EvidenceRecord
	seen    map[int]struct{}
}

// NewRecorder creates root/<campaign id>/ and writes the campaign
// parameters and recipient manifest. The directory must not exist.
func NewRecorder(root string, c *model.Campaign, opts Options) (*Recorder, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence root: %w", err)
	}
	dir := filepath.Join(root, c.ID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, dir)
		}
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &Recorder{
		dir:      dir,
		campaign: c,
		index:    opts.Index,
		log:      log.WithComponent("evidence").WithCampaign(c.ID),
		now:      now,
		seen:     make(map[int]struct{}, len(c.Recipients)),
	}

	meta, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode campaign: %w", err)
	}
	if err := writeNew(filepath.Join(dir, CampaignFile), append(meta, '\n')); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEvidenceIO, err)
	}

	var manifest strings.Builder
	for i, rcpt := range c.Recipients {
		fmt.Fprintf(&manifest, "%d\t%s\n", i+1, rcpt.Email)
	}
	if err := writeNew(filepath.Join(dir, ManifestFile), []byte(manifest.String())); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEvidenceIO, err)
	}
	if err := writeInputs(dir, c.Template); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEvidenceIO, err)
	}

	r.logLine("campaign %s started: transport=%s sender=%s recipients=%d subject=%q",
		c.ID, c.Transport, c.Sender, len(c.Recipients), c.Template.Subject)
	return r, nil
}

// TemplateFileName is the name the template body is stored under
func TemplateFileName(format model.BodyFormat) string {
	switch format {
	case model.FormatHTML:
		return "template.html"
	case model.FormatMarkdown:
		return "template.md"
	default:
		return "template.txt"
	}
}

// AttachmentName is the stored path of the i-th attachment (0-based)
func AttachmentName(i int, filename string) string {
	return filepath.ToSlash(filepath.Join(AttachDir, fmt.Sprintf("%02d-%s", i+1, safeFileName(filename))))
}

// writeInputs copies the template body and attachments into dir and
// records their hashes in sha256sum format
func writeInputs(dir string, tpl model.Template) error {
	var sums strings.Builder
	put := func(rel string, data []byte) error {
		if err := writeNew(filepath.Join(dir, filepath.FromSlash(rel)), data); err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		fmt.Fprintf(&sums, "%s  %s\n", hex.EncodeToString(sum[:]), rel)
		return nil
	}

	if err := put(TemplateFileName(tpl.Format), []byte(tpl.Body)); err != nil {
		return err
	}
	if len(tpl.Attachments) > 0 {
		if err := os.Mkdir(filepath.Join(dir, AttachDir), 0o755); err != nil {
			return err
		}
	}
	for i, a := range tpl.Attachments {
		if err := put(AttachmentName(i, a.Filename), a.Content); err != nil {
			return err
		}
	}
	return writeNew(filepath.Join(dir, InputsFile), []byte(sums.String()))
}

// logLine appends one line to the human-readable campaign log. The log is
// informational; failures are reported but never fail the campaign.
func (r *Recorder) logLine(format string, args ...any) {
	line := r.now().UTC().Format(time.RFC3339) + "  " + fmt.Sprintf(format, args...) + "\n"
	if err := appendSync(filepath.Join(r.dir, TextLogFile), []byte(line)); err != nil {
		r.log.Warn().Err(err).Msg("failed to write campaign log")
	}
}

// Dir is the campaign's evidence directory
func (r *Recorder) Dir() string {
	return r.dir
}

// Record persists the terminal state of one recipient. It is called
// exactly once per recipient. When writing fails the record is still
// kept, marked fatal with class evidence_io, and ErrEvidenceIO is
// returned.
func (r *Recorder) Record(ctx context.Context, e Entry) (*model.EvidenceRecord, error) {
	r.mu.Lock()
	if _, dup := r.seen[e.Seq]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("recipient %d already recorded", e.Seq)
	}
	r.seen[e.Seq] = struct{}{}
	r.mu.Unlock()

	rec := model.EvidenceRecord{
		CampaignID:        r.campaign.ID,
		Seq:               e.Seq,
		Email:             e.Email,
		Outcome:           e.Outcome,
		FailureClass:      e.FailureClass,
		Reason:            e.Reason,
		Attempts:          e.Attempts,
		AttemptCount:      len(e.Attempts),
		ProviderMessageID: e.ProviderMessageID,
		ProviderResponse:  e.ProviderResponse,
		DeliveryAmbiguous: e.Ambiguous,
		RecordedAt:        r.now().UTC(),
	}
	if rec.Attempts == nil {
		rec.Attempts = []model.SendAttempt{}
	}

	var ioErr error
	if e.Message != nil {
		rec.MessageID = e.Message.MessageID
		sum := sha256.Sum256(e.Message.Raw)
		rec.SHA256 = hex.EncodeToString(sum[:])

		name := ArtifactName(e.Seq, e.Email)
		ioErr = writeNew(filepath.Join(r.dir, name), e.Message.Raw)
		if ioErr == nil {
			rec.ArtifactPath = name
			sidecar := fmt.Sprintf("%s  %s\n", rec.SHA256, name)
			ioErr = writeNew(filepath.Join(r.dir, name+".sha256"), []byte(sidecar))
		}
	}

	if ioErr != nil {
		markIOFailure(&rec, ioErr)
	}
	if err := r.appendLog(&rec); err != nil {
		if ioErr == nil {
			markIOFailure(&rec, err)
		}
		ioErr = errors.Join(ioErr, err)
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()

	r.logLine("%04d %s %s%s attempts=%d%s", rec.Seq, rec.Email, rec.Outcome,
		classSuffix(rec.FailureClass), rec.AttemptCount, ambiguousSuffix(rec.DeliveryAmbiguous))

	if ioErr != nil {
		r.log.Error().Err(ioErr).Int("seq", e.Seq).Str("email", e.Email).Msg("failed to persist evidence")
		return &rec, fmt.Errorf("%w: %w", ErrEvidenceIO, ioErr)
	}

	if r.index != nil {
		if err := r.index.Insert(ctx, &rec); err != nil {
			r.log.Warn().Err(err).Int("seq", e.Seq).Msg("failed to index evidence record")
		}
	}
	return &rec, nil
}

// markIOFailure turns rec into an infrastructure failure. A message the
// transport accepted may have been delivered, so that stays visible.
func markIOFailure(rec *model.EvidenceRecord, err error) {
	if rec.Outcome == model.OutcomeSuccess {
		rec.DeliveryAmbiguous = true
	}
	rec.Outcome = model.OutcomeFatal
	rec.FailureClass = model.FailureEvidenceIO
	rec.Reason = err.Error()
}

func (r *Recorder) appendLog(rec *model.EvidenceRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode evidence record: %w", err)
	}
	return appendSync(filepath.Join(r.dir, LogFile), append(line, '\n'))
}

func classSuffix(c model.FailureClass) string {
	if c == model.FailureNone {
		return ""
	}
	return "/" + string(c)
}

func ambiguousSuffix(ambiguous bool) string {
	if ambiguous {
		return " ambiguous"
	}
	return ""
}

// Records returns a copy of everything recorded so far, in order
func (r *Recorder) Records() []model.EvidenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.EvidenceRecord(nil), r.records...)
}

// Finalize writes summary.json covering every recorded recipient
func (r *Recorder) Finalize(_ context.Context, state, abortReason string) (*model.CampaignSummary, error) {
	summary := &model.CampaignSummary{
		CampaignID:  r.campaign.ID,
		Label:       r.campaign.Label,
		Transport:   r.campaign.Transport,
		Sender:      r.campaign.Sender,
		Subject:     r.campaign.Template.Subject,
		State:       state,
		AbortReason: abortReason,
		StartedAt:   r.campaign.StartedAt,
		FinishedAt:  r.now().UTC(),
		Records:     r.Records(),
	}
	summary.Tally()

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return summary, fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := writeAtomic(filepath.Join(r.dir, SummaryFile), append(data, '\n')); err != nil {
		return summary, fmt.Errorf("%w: %w", ErrEvidenceIO, err)
	}

	r.logLine("campaign finished: state=%s%s total=%d sent=%d failed=%d skipped=%d ambiguous=%d",
		state, reasonSuffix(abortReason), summary.Total, summary.Sent, summary.Failed, summary.Skipped, summary.Ambiguous)
	r.log.Info().
		Str("state", state).
		Int("total", summary.Total).
		Int("sent", summary.Sent).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("ambiguous", summary.Ambiguous).
		Msg("campaign summary written")
	return summary, nil
}

// ArtifactName is the raw message file name for a recipient
func ArtifactName(seq int, email string) string {
	return fmt.Sprintf("%04d-%s.eml", seq, safeName(email))
}

func safeName(email string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(email) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '@', c == '-', c == '_', c == '+':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return fmt.Sprintf(" reason=%q", reason)
}

// safeFileName keeps a readable attachment name without path separators
func safeFileName(name string) string {
	name = filepath.Base(filepath.Clean("/" + name))
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if strings.Trim(b.String(), ".") != "" {
		return b.String()
	}
	return "attachment"
}

// appendSync appends data to path and syncs it before closing
func appendSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// writeNew creates path, failing if it exists, and syncs it before closing
func writeNew(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// writeAtomic replaces path through a synced temp file and a rename
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := errors.Join(tmp.Sync(), tmp.Close()); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
