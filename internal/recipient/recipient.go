// Package recipient reads recipient lists and validates them before a campaign starts.
package recipient

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mailproof/mailproof/internal/model"
)

// Recipient source errors
var (
	ErrEmptyEmail    = errors.New("email cannot be empty")
	ErrInvalidEmail  = errors.New("invalid email format")
	ErrDuplicate     = errors.New("duplicate email")
	ErrNoEmailColumn = errors.New("recipient list has no email column")
	ErrNoRecipients  = errors.New("recipient list is empty")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Rejection is a pre-flight validation failure for one row.
// Rejected rows never reach the batch controller.
type Rejection struct {
	Row   int
	Email string
	Err   error
}

func (r Rejection) Error() string {
	return fmt.Sprintf("row %d (%s): %v", r.Row, r.Email, r.Err)
}

// ValidateEmail checks address syntax
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrEmptyEmail
	}
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// Validate splits recipients into the ones that may be sent and the rejected rows.
// Order is preserved. Rows are numbered from 1.
func Validate(rcpts []model.Recipient) ([]model.Recipient, []Rejection) {
	valid := make([]model.Recipient, 0, len(rcpts))
	var rejected []Rejection
	seen := make(map[string]struct{}, len(rcpts))

	for i, r := range rcpts {
		email := strings.TrimSpace(r.Email)
		if err := ValidateEmail(email); err != nil {
			rejected = append(rejected, Rejection{Row: i + 1, Email: r.Email, Err: err})
			continue
		}
		key := strings.ToLower(email)
		if _, ok := seen[key]; ok {
			rejected = append(rejected, Rejection{Row: i + 1, Email: r.Email, Err: ErrDuplicate})
			continue
		}
		seen[key] = struct{}{}
		r.Email = email
		valid = append(valid, r)
	}

	return valid, rejected
}

// ReadCSV reads recipients from a CSV stream with a header row.
// Column names are trimmed and lower-cased; an "email" column is required.
func ReadCSV(r io.Reader) ([]model.Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoRecipients
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make([]string, len(header))
	emailCol := -1
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		columns[i] = name
		if name == "email" || name == "e-mail" {
			emailCol = i
			columns[i] = "email"
		}
	}
	if emailCol < 0 {
		return nil, ErrNoEmailColumn
	}

	var rcpts []model.Recipient
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read recipients: %w", err)
		}
		if isBlank(record) {
			continue
		}

		fields := make(map[string]string, len(columns))
		for i, name := range columns {
			if name == "" || i >= len(record) {
				continue
			}
			fields[name] = strings.TrimSpace(record[i])
		}
		rcpts = append(rcpts, model.Recipient{Email: fields["email"], Fields: fields})
	}

	if len(rcpts) == 0 {
		return nil, ErrNoRecipients
	}
	return rcpts, nil
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
