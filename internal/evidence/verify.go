package evidence

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mailproof/mailproof/internal/model"
)

// Mismatch is one artifact that no longer matches its recorded hash
type Mismatch struct {
	Seq      int
	Email    string
	Path     string
	Expected string
	Actual   string
	Err      error
}

// Report is the result of verifying a campaign directory
type Report struct {
	CampaignID string
	// Partial is set when no summary.json exists and the running log was used
	Partial bool
	Records int
	// Expected is the number of recipients in the manifest
	Expected int
	// Missing lists manifest sequence numbers without a record
	Missing       []int
	Checked       int
	InputsChecked int
	// Mismatches with Seq 0 concern the template or an attachment
	Mismatches []Mismatch
}

// OK reports whether every artifact and input matched and, for a finished
// campaign, every manifest recipient has a record. A partial run is
// expected to miss the recipients it never reached.
func (r *Report) OK() bool {
	if !r.Partial && len(r.Missing) > 0 {
		return false
	}
	return len(r.Mismatches) == 0
}

// Verify recomputes the hash of every stored artifact and compares it
// with the recorded hash and the sidecar file. The stored template and
// attachments are checked against inputs.sha256 and the records are
// matched against the recipient manifest. A campaign that never finished
// is verified from its running log.
func Verify(dir string) (*Report, error) {
	records, partial, err := loadRecords(dir)
	if err != nil {
		return nil, err
	}

	manifest, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	report := &Report{Partial: partial, Records: len(records), Expected: len(manifest)}
	recorded := make(map[int]struct{}, len(records))
	for i := range records {
		recorded[records[i].Seq] = struct{}{}
	}
	for _, seq := range manifest {
		if _, ok := recorded[seq]; !ok {
			report.Missing = append(report.Missing, seq)
		}
	}

	if err := verifyInputs(dir, report); err != nil {
		return nil, err
	}

	for i := range records {
		rec := &records[i]
		if report.CampaignID == "" {
			report.CampaignID = rec.CampaignID
		}
		if rec.ArtifactPath == "" {
			continue
		}
		report.Checked++

		m := Mismatch{Seq: rec.Seq, Email: rec.Email, Path: rec.ArtifactPath, Expected: rec.SHA256}
		raw, err := os.ReadFile(filepath.Join(dir, rec.ArtifactPath))
		if err != nil {
			m.Err = err
			report.Mismatches = append(report.Mismatches, m)
			continue
		}
		sum := sha256.Sum256(raw)
		m.Actual = hex.EncodeToString(sum[:])
		if m.Actual != rec.SHA256 {
			report.Mismatches = append(report.Mismatches, m)
			continue
		}

		sidecar, err := os.ReadFile(filepath.Join(dir, rec.ArtifactPath+".sha256"))
		if err != nil {
			m.Err = err
			report.Mismatches = append(report.Mismatches, m)
			continue
		}
		if fields := strings.Fields(string(sidecar)); len(fields) == 0 || fields[0] != rec.SHA256 {
			m.Err = errors.New("sidecar hash differs from record")
			report.Mismatches = append(report.Mismatches, m)
		}
	}
	return report, nil
}

// loadManifest returns the sequence numbers listed in recipients.txt
func loadManifest(dir string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var seqs []int
	for n, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seq, _, ok := strings.Cut(line, "\t")
		v, err := strconv.Atoi(seq)
		if !ok || err != nil {
			return nil, fmt.Errorf("malformed manifest line %d: %q", n+1, line)
		}
		seqs = append(seqs, v)
	}
	return seqs, nil
}

// verifyInputs re-hashes the stored template and attachments against
// inputs.sha256
func verifyInputs(dir string, report *Report) error {
	data, err := os.ReadFile(filepath.Join(dir, InputsFile))
	if errors.Is(err, os.ErrNotExist) {
		report.Mismatches = append(report.Mismatches, Mismatch{Path: InputsFile, Err: err})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read input hashes: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			report.Mismatches = append(report.Mismatches, Mismatch{Path: InputsFile, Err: fmt.Errorf("malformed line %q", line)})
			continue
		}
		report.InputsChecked++

		m := Mismatch{Path: fields[1], Expected: fields[0]}
		raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(fields[1])))
		if err != nil {
			m.Err = err
			report.Mismatches = append(report.Mismatches, m)
			continue
		}
		sum := sha256.Sum256(raw)
		if m.Actual = hex.EncodeToString(sum[:]); m.Actual != m.Expected {
			report.Mismatches = append(report.Mismatches, m)
		}
	}
	return nil
}

func loadRecords(dir string) ([]model.EvidenceRecord, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err == nil {
		var summary model.CampaignSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			return nil, false, fmt.Errorf("failed to decode summary: %w", err)
		}
		return summary.Records, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("failed to read summary: %w", err)
	}

	data, err = os.ReadFile(filepath.Join(dir, LogFile))
	if errors.Is(err, os.ErrNotExist) {
		// stopped before the first recipient resolved
		return nil, true, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("failed to read evidence log: %w", err)
	}
	var records []model.EvidenceRecord
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec model.EvidenceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// a crash can leave a torn last line
			break
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, true, fmt.Errorf("failed to scan evidence log: %w", err)
	}
	return records, true, nil
}
