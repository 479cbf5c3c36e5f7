package model

import (
	"encoding/json"
	"time"
)

// Outcome is the classification of a send attempt
type Outcome string

// Attempt outcomes
const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRetryable    Outcome = "retryable"
	OutcomeFatal        Outcome = "fatal"
	OutcomeNotAttempted Outcome = "not_attempted"
)

// FailureClass explains why a recipient did not end in success
type FailureClass string

// Failure classes recorded in evidence
const (
	FailureNone             FailureClass = ""
	FailureMissingField     FailureClass = "missing_field"
	FailureCompose          FailureClass = "compose"
	FailureTransportFatal   FailureClass = "transport_fatal"
	FailureRetriesExhausted FailureClass = "retries_exhausted"
	FailureEvidenceIO       FailureClass = "evidence_io"
	FailureReauthRequired   FailureClass = "reauth_required"
	FailureQuotaExhausted   FailureClass = "quota_exhausted"
	FailureCancelled        FailureClass = "cancelled"
	FailureAborted          FailureClass = "aborted"
)

// SendAttempt is one try at delivering a message to a recipient
type SendAttempt struct {
	Number            int           `json:"number"`
	Outcome           Outcome       `json:"outcome"`
	ProviderMessageID string        `json:"providerMessageId,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	RetryAfter        time.Duration `json:"retryAfter,omitempty"`
	At                time.Time     `json:"at"`
}

// EvidenceRecord is the durable proof for one recipient of a campaign.
// It is written exactly once and never mutated.
type EvidenceRecord struct {
	CampaignID        string          `json:"campaignId"`
	Seq               int             `json:"seq"`
	Email             string          `json:"email"`
	Outcome           Outcome         `json:"outcome"`
	FailureClass      FailureClass    `json:"failureClass,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Attempts          []SendAttempt   `json:"attempts"`
	AttemptCount      int             `json:"attemptCount"`
	SHA256            string          `json:"sha256,omitempty"`
	ArtifactPath      string          `json:"artifactPath,omitempty"`
	MessageID         string          `json:"messageId,omitempty"`
	ProviderMessageID string          `json:"providerMessageId,omitempty"`
	ProviderResponse  json.RawMessage `json:"providerResponse,omitempty"`
	DeliveryAmbiguous bool            `json:"deliveryAmbiguous,omitempty"`
	RecordedAt        time.Time       `json:"recordedAt"`
}

// IsSent reports whether the recipient's terminal outcome is success
func (r *EvidenceRecord) IsSent() bool {
	return r.Outcome == OutcomeSuccess
}

// CampaignSummary aggregates every evidence record of a campaign
type CampaignSummary struct {
	CampaignID  string           `json:"campaignId"`
	Label       string           `json:"label"`
	Transport   TransportKind    `json:"transport"`
	Sender      string           `json:"sender"`
	Subject     string           `json:"subject"`
	State       string           `json:"state"`
	AbortReason string           `json:"abortReason,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	FinishedAt  time.Time        `json:"finishedAt"`
	Total       int              `json:"total"`
	Sent        int              `json:"sent"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	Ambiguous   int              `json:"ambiguous"`
	Records     []EvidenceRecord `json:"records"`
}

// Tally recomputes the counters from the records
func (s *CampaignSummary) Tally() {
	s.Total = len(s.Records)
	s.Sent, s.Failed, s.Skipped, s.Ambiguous = 0, 0, 0, 0
	for i := range s.Records {
		switch s.Records[i].Outcome {
		case OutcomeSuccess:
			s.Sent++
		case OutcomeNotAttempted:
			s.Skipped++
		default:
			s.Failed++
		}
		if s.Records[i].DeliveryAmbiguous {
			s.Ambiguous++
		}
	}
}
