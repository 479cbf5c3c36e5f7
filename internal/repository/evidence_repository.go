package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mailproof/mailproof/internal/database"
	"github.com/mailproof/mailproof/internal/model"
)

// pqUniqueViolation is the SQLSTATE for unique_violation
const pqUniqueViolation = "23505"

// EvidenceRepository indexes evidence records for lookup across campaigns.
// The evidence directory stays the source of truth.
type EvidenceRepository struct {
	db *database.Postgres
}

// NewEvidenceRepository creates a new EvidenceRepository
func NewEvidenceRepository(db *database.Postgres) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// Insert stores one evidence record. A record already indexed for the same
// campaign and sequence number returns ErrDuplicate.
func (r *EvidenceRepository) Insert(ctx context.Context, rec *model.EvidenceRecord) error {
	if rec.CampaignID == "" || rec.Seq <= 0 {
		return ErrInvalidInput
	}

	attempts, err := json.Marshal(rec.Attempts)
	if err != nil {
		return fmt.Errorf("failed to encode attempts: %w", err)
	}
	// jsonb parameters are sent as text
	var response sql.NullString
	if len(rec.ProviderResponse) > 0 {
		response = sql.NullString{String: string(rec.ProviderResponse), Valid: true}
	}
	var digest sql.NullString
	if rec.SHA256 != "" {
		digest = sql.NullString{String: rec.SHA256, Valid: true}
	}

	query := `
		INSERT INTO evidence_records (campaign_id, seq, email, outcome, failure_class,
		    reason, attempt_count, attempts, sha256, artifact_path, message_id,
		    provider_message_id, provider_response, delivery_ambiguous, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.CampaignID,
		rec.Seq,
		rec.Email,
		rec.Outcome,
		rec.FailureClass,
		rec.Reason,
		rec.AttemptCount,
		string(attempts),
		digest,
		rec.ArtifactPath,
		rec.MessageID,
		rec.ProviderMessageID,
		response,
		rec.DeliveryAmbiguous,
		rec.RecordedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert evidence record: %w", err)
	}
	return nil
}

// ListByCampaign returns a campaign's records ordered by sequence number
func (r *EvidenceRepository) ListByCampaign(ctx context.Context, campaignID string) ([]model.EvidenceRecord, error) {
	query := `
		SELECT campaign_id, seq, email, outcome, failure_class, reason, attempt_count,
		       attempts, sha256, artifact_path, message_id, provider_message_id,
		       provider_response, delivery_ambiguous, recorded_at
		FROM evidence_records
		WHERE campaign_id = $1
		ORDER BY seq
	`
	rows, err := r.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence records: %w", err)
	}
	defer rows.Close()

	var records []model.EvidenceRecord
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate evidence records: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// FindByEmail returns every record for an address across campaigns, newest first
func (r *EvidenceRepository) FindByEmail(ctx context.Context, email string, limit int) ([]model.EvidenceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT campaign_id, seq, email, outcome, failure_class, reason, attempt_count,
		       attempts, sha256, artifact_path, message_id, provider_message_id,
		       provider_response, delivery_ambiguous, recorded_at
		FROM evidence_records
		WHERE lower(email) = lower($1)
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, email, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find evidence records: %w", err)
	}
	defer rows.Close()

	var records []model.EvidenceRecord
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate evidence records: %w", err)
	}
	return records, nil
}

func scanEvidence(rows *sql.Rows) (*model.EvidenceRecord, error) {
	var (
		rec      model.EvidenceRecord
		attempts []byte
		digest   sql.NullString
		response []byte
	)
	err := rows.Scan(
		&rec.CampaignID,
		&rec.Seq,
		&rec.Email,
		&rec.Outcome,
		&rec.FailureClass,
		&rec.Reason,
		&rec.AttemptCount,
		&attempts,
		&digest,
		&rec.ArtifactPath,
		&rec.MessageID,
		&rec.ProviderMessageID,
		&response,
		&rec.DeliveryAmbiguous,
		&rec.RecordedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan evidence record: %w", err)
	}
	if err := json.Unmarshal(attempts, &rec.Attempts); err != nil {
		return nil, fmt.Errorf("failed to decode attempts: %w", err)
	}
	rec.SHA256 = digest.String
	if len(response) > 0 {
		rec.ProviderResponse = response
	}
	return &rec, nil
}
