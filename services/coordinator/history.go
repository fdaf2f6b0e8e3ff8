package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"otad/pkg/db"
	"otad/pkg/errdefs"
)

// StatusReport is one entry of a deployment's report history. Rejected
// reports are kept with Accepted=false and the rejection Reason.
type StatusReport struct {
	DeploymentID string    `json:"deployment_id"`
	Sequence     int64     `json:"sequence"`
	ControllerID string    `json:"controller_id"`
	Status       string    `json:"status"`
	Time         string    `json:"time,omitempty"`
	Details      []string  `json:"details,omitempty"`
	Accepted     bool      `json:"accepted"`
	Reason       string    `json:"reason,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// History is the append-only report log. Append assigns Sequence.
// MarkRejected flips an accepted entry whose state change never committed;
// entries are otherwise immutable.
type History interface {
	Append(ctx context.Context, r StatusReport) (StatusReport, error)
	MarkRejected(ctx context.Context, deploymentID string, sequence int64, reason string) error
	List(ctx context.Context, deploymentID string) ([]StatusReport, error)
}

// MemoryHistory keeps reports in process memory.
type MemoryHistory struct {
	mu      sync.RWMutex
	reports map[string][]StatusReport
}

// NewMemoryHistory returns an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{reports: make(map[string][]StatusReport)}
}

func (m *MemoryHistory) Append(_ context.Context, r StatusReport) (StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Sequence = int64(len(m.reports[r.DeploymentID]) + 1)
	r.Details = slices.Clone(r.Details)
	m.reports[r.DeploymentID] = append(m.reports[r.DeploymentID], r)
	return r, nil
}

func (m *MemoryHistory) MarkRejected(_ context.Context, deploymentID string, sequence int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reports := m.reports[deploymentID]
	if sequence < 1 || sequence > int64(len(reports)) {
		return fmt.Errorf("%w: status report %s/%d", errdefs.ErrNotFound, deploymentID, sequence)
	}
	reports[sequence-1].Accepted = false
	reports[sequence-1].Reason = reason
	return nil
}

func (m *MemoryHistory) List(_ context.Context, deploymentID string) ([]StatusReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.reports[deploymentID]
	out := make([]StatusReport, len(src))
	for i, r := range src {
		r.Details = slices.Clone(r.Details)
		out[i] = r
	}
	return out, nil
}

const maxSequenceRaces = 5

// PGHistory stores reports in the status_reports table.
type PGHistory struct {
	pool *pgxpool.Pool
}

// NewPGHistory returns a history backed by pool.
func NewPGHistory(pool *pgxpool.Pool) (*PGHistory, error) {
	if pool == nil {
		return nil, errors.New("coordinator: database pool is required")
	}
	return &PGHistory{pool: pool}, nil
}

func (p *PGHistory) Append(ctx context.Context, r StatusReport) (StatusReport, error) {
	details := r.Details
	if details == nil {
		details = []string{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return StatusReport{}, fmt.Errorf("marshal details: %w", err)
	}

	// Sequence is derived from the current maximum; a concurrent writer
	// taking the same number trips the primary key and we try again.
	for attempt := 0; attempt < maxSequenceRaces; attempt++ {
		var seq int64
		err = db.Get(ctx, p.pool, &seq, `
            INSERT INTO status_reports
                (deployment_id, sequence, controller_id, status, reported_time, details, accepted, reason, received_at)
            SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, $5::jsonb, $6, $7, $8
            FROM status_reports WHERE deployment_id = $1
            RETURNING sequence
        `, r.DeploymentID, r.ControllerID, r.Status, r.Time, string(payload), r.Accepted, r.Reason, r.ReceivedAt.UTC())
		if errors.Is(err, errdefs.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return StatusReport{}, fmt.Errorf("append status report: %w", err)
		}
		r.Sequence = seq
		return r, nil
	}
	return StatusReport{}, fmt.Errorf("append status report: %w", errdefs.ErrConflict)
}

func (p *PGHistory) MarkRejected(ctx context.Context, deploymentID string, sequence int64, reason string) error {
	tag, err := db.Exec(ctx, p.pool, `
        UPDATE status_reports SET accepted = false, reason = $3
        WHERE deployment_id = $1 AND sequence = $2
    `, deploymentID, sequence, reason)
	if err != nil {
		return fmt.Errorf("mark status report rejected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: status report %s/%d", errdefs.ErrNotFound, deploymentID, sequence)
	}
	return nil
}

type reportRow struct {
	DeploymentID string    `db:"deployment_id"`
	Sequence     int64     `db:"sequence"`
	ControllerID string    `db:"controller_id"`
	Status       string    `db:"status"`
	ReportedTime string    `db:"reported_time"`
	Details      string    `db:"details"`
	Accepted     bool      `db:"accepted"`
	Reason       string    `db:"reason"`
	ReceivedAt   time.Time `db:"received_at"`
}

func (p *PGHistory) List(ctx context.Context, deploymentID string) ([]StatusReport, error) {
	var rows []reportRow
	err := db.Select(ctx, p.pool, &rows, `
        SELECT deployment_id, sequence, controller_id, status,
               COALESCE(reported_time, '') AS reported_time,
               COALESCE(details, '[]'::jsonb)::text AS details,
               accepted,
               COALESCE(reason, '') AS reason,
               received_at
        FROM status_reports
        WHERE deployment_id = $1
        ORDER BY sequence ASC
    `, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list status reports: %w", err)
	}

	out := make([]StatusReport, 0, len(rows))
	for _, row := range rows {
		r := StatusReport{
			DeploymentID: row.DeploymentID,
			Sequence:     row.Sequence,
			ControllerID: row.ControllerID,
			Status:       row.Status,
			Time:         row.ReportedTime,
			Accepted:     row.Accepted,
			Reason:       row.Reason,
			ReceivedAt:   row.ReceivedAt.UTC(),
		}
		if err := json.Unmarshal([]byte(row.Details), &r.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		if len(r.Details) == 0 {
			r.Details = nil
		}
		out = append(out, r)
	}
	return out, nil
}
