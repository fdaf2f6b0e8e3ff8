package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"otad/pkg/db"
)

// advisoryNamespace is the first key of the two-key advisory lock form, so
// controller locks stay clear of other advisory lock users such as goose.
const advisoryNamespace int32 = 0x6f7461

const unlockTimeout = 5 * time.Second

// PGLocker holds a session-level Postgres advisory lock per controller, so
// replicas sharing one database serialise on the same controller.
type PGLocker struct {
	pool *pgxpool.Pool
}

// NewPGLocker returns a locker backed by pool.
func NewPGLocker(pool *pgxpool.Pool) (*PGLocker, error) {
	if pool == nil {
		return nil, errors.New("coordinator: database pool is required")
	}
	return &PGLocker{pool: pool}, nil
}

// Lock blocks until the advisory lock for key is held or ctx is done. The
// connection stays checked out until the returned func runs.
func (p *PGLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", db.Classify(err))
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, advisoryNamespace, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock controller %q: %w", key, db.Classify(err))
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, advisoryNamespace, key); err != nil {
			// ending the session drops every lock it still holds
			_ = conn.Hijack().Close(ctx)
			return
		}
		conn.Release()
	}, nil
}
