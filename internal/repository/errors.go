// Package repository persists the evidence index. Records are inserted once
// and never updated; the evidence directory remains authoritative.
package repository

import "errors"

// Evidence index errors
var (
	ErrNotFound     = errors.New("no evidence records found")
	ErrDuplicate    = errors.New("evidence record already indexed")
	ErrInvalidInput = errors.New("evidence record needs a campaign id and sequence number")
)
