package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

// SequenceRepository issues gap-tolerant, never-reused document numbers per (prefix, year).
type SequenceRepository struct {
	db *sqlx.DB
}

// NewSequenceRepository creates a new instance of SequenceRepository.
func NewSequenceRepository(db *sqlx.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// Next atomically increments and returns the sequence value inside the caller's transaction.
func (r *SequenceRepository) Next(ctx context.Context, exec sqlx.ExtContext, prefix models.DocumentPrefix, year int) (int64, error) {
	const query = `INSERT INTO document_sequences (prefix, year, last_value) VALUES ($1, $2, 1)
ON CONFLICT (prefix, year) DO UPDATE SET last_value = document_sequences.last_value + 1
RETURNING last_value`
	var value int64
	if err := sqlx.GetContext(ctx, exec, &value, query, string(prefix), year); err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", prefix, err)
	}
	return value, nil
}
