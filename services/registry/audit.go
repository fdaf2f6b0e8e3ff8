package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"otad/pkg/db"
)

// Audit actions.
const (
	ActionCreated    = "created"
	ActionTransition = "transition"
	ActionRejected   = "rejected"
)

// AuditRecord is one entry of a deployment's audit trail.
type AuditRecord struct {
	ID           int64          `json:"id"`
	DeploymentID string         `json:"deployment_id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	From         string         `json:"from,omitempty"`
	To           string         `json:"to,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	At           time.Time      `json:"at"`
}

// AuditLog is an append-only audit trail.
type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord) error
	List(ctx context.Context, deploymentID string) ([]AuditRecord, error)
}

// MemoryAuditLog keeps records in process memory.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string][]AuditRecord
}

// NewMemoryAuditLog returns an empty log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{records: make(map[string][]AuditRecord)}
}

func (m *MemoryAuditLog) Append(_ context.Context, rec AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	rec.Details = maps.Clone(rec.Details)
	m.records[rec.DeploymentID] = append(m.records[rec.DeploymentID], rec)
	return nil
}

func (m *MemoryAuditLog) List(_ context.Context, deploymentID string) ([]AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.records[deploymentID]
	out := make([]AuditRecord, len(src))
	for i, rec := range src {
		rec.Details = maps.Clone(rec.Details)
		out[i] = rec
	}
	return out, nil
}

// PGAuditLog appends to the audit table through a pgx pool.
type PGAuditLog struct {
	pool *pgxpool.Pool
}

// NewPGAuditLog returns an audit log backed by pool.
func NewPGAuditLog(pool *pgxpool.Pool) (*PGAuditLog, error) {
	if pool == nil {
		return nil, errors.New("registry: database pool is required")
	}
	return &PGAuditLog{pool: pool}, nil
}

func (p *PGAuditLog) Append(ctx context.Context, rec AuditRecord) error {
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = db.Exec(ctx, p.pool, `
        INSERT INTO audit (deployment_id, actor, action, from_state, to_state, details, at)
        VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
    `, rec.DeploymentID, rec.Actor, rec.Action, rec.From, rec.To, string(payload), rec.At.UTC())
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

type auditRow struct {
	ID           int64     `db:"id"`
	DeploymentID string    `db:"deployment_id"`
	Actor        string    `db:"actor"`
	Action       string    `db:"action"`
	FromState    string    `db:"from_state"`
	ToState      string    `db:"to_state"`
	Details      string    `db:"details"`
	At           time.Time `db:"at"`
}

func (p *PGAuditLog) List(ctx context.Context, deploymentID string) ([]AuditRecord, error) {
	var rows []auditRow
	err := db.Select(ctx, p.pool, &rows, `
        SELECT id, deployment_id, actor, action,
               COALESCE(from_state, '') AS from_state,
               COALESCE(to_state, '') AS to_state,
               COALESCE(details, '{}'::jsonb)::text AS details,
               at
        FROM audit
        WHERE deployment_id = $1
        ORDER BY id ASC
    `, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}

	out := make([]AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec := AuditRecord{
			ID:           row.ID,
			DeploymentID: row.DeploymentID,
			Actor:        row.Actor,
			Action:       row.Action,
			From:         row.FromState,
			To:           row.ToState,
			At:           row.At.UTC(),
		}
		if err := json.Unmarshal([]byte(row.Details), &rec.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		if len(rec.Details) == 0 {
			rec.Details = nil
		}
		out = append(out, rec)
	}
	return out, nil
}
