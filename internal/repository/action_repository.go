package repository

import (
	"context"
	"database/sql"
	"fmt"

	"MarketPipe/internal/domain/models"
	domrepo "MarketPipe/internal/domain/repository"
)

// CHActionStore is the append-only corporate action table.
type CHActionStore struct {
	db    *sql.DB
	table string
}

func NewCHActionStore(db *sql.DB, table string) *CHActionStore {
	return &CHActionStore{db: db, table: table}
}

func (s *CHActionStore) Append(ctx context.Context, a models.CorporateAction) error {
	q := fmt.Sprintf("INSERT INTO %s (instrument_id, effective_at, action_type, value, recorded_at) VALUES (?, ?, ?, ?, ?)", s.table)
	if _, err := s.db.ExecContext(ctx, q, a.InstrumentID, a.EffectiveAt.UTC(), string(a.Type), a.Value, a.RecordedAt.UTC()); err != nil {
		return fmt.Errorf("append corporate action: %w", err)
	}
	return nil
}

// LoadAll returns every row in recorded order so corrections replay after the entries they supersede.
func (s *CHActionStore) LoadAll(ctx context.Context) ([]models.CorporateAction, error) {
	q := fmt.Sprintf("SELECT instrument_id, effective_at, action_type, value, recorded_at FROM %s ORDER BY recorded_at ASC", s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load corporate actions: %w", err)
	}
	defer rows.Close()

	var out []models.CorporateAction
	for rows.Next() {
		var (
			a   models.CorporateAction
			typ string
		)
		if err := rows.Scan(&a.InstrumentID, &a.EffectiveAt, &typ, &a.Value, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan corporate action: %w", err)
		}
		a.Type = models.ActionType(typ)
		a.EffectiveAt = a.EffectiveAt.UTC()
		a.RecordedAt = a.RecordedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ domrepo.ActionStore = (*CHActionStore)(nil)
