package coordinator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otad/pkg/db"
	"otad/pkg/errdefs"
)

func postgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("OTAD_TEST_DSN")
	if dsn == "" {
		t.Skip("OTAD_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))
	_, err = db.Exec(ctx, pool, `TRUNCATE controllers, status_reports`)
	require.NoError(t, err)
	return pool
}

func runControllerContract(t *testing.T, repo ControllerRepository) {
	ctx := context.Background()
	seen := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	_, err := repo.Get(ctx, "device001")
	require.ErrorIs(t, err, errdefs.ErrNotFound)

	c := Controller{ID: "device001", FirstSeen: seen, LastSeen: seen, Attributes: map[string]string{"hw": "rev2"}}
	require.NoError(t, repo.Save(ctx, c))

	c.LastSeen = seen.Add(time.Minute)
	c.Assigned = "00000000-0000-4000-8000-000000000001"
	require.NoError(t, repo.Save(ctx, c))

	got, err := repo.Get(ctx, "device001")
	require.NoError(t, err)
	assert.True(t, seen.Equal(got.FirstSeen))
	assert.True(t, c.LastSeen.Equal(got.LastSeen))
	assert.Equal(t, c.Assigned, got.Assigned)
	assert.Equal(t, "rev2", got.Attributes["hw"])

	c.Assigned = ""
	require.NoError(t, repo.Save(ctx, c))
	got, err = repo.Get(ctx, "device001")
	require.NoError(t, err)
	assert.Empty(t, got.Assigned)
}

func runHistoryContract(t *testing.T, h History) {
	ctx := context.Background()
	const id = "00000000-0000-4000-8000-000000000002"
	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	first, err := h.Append(ctx, StatusReport{DeploymentID: id, ControllerID: "device001", Status: "RUNNING", Accepted: true, ReceivedAt: at})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)

	second, err := h.Append(ctx, StatusReport{
		DeploymentID: id, ControllerID: "device002", Status: "SUCCESS",
		Details: []string{"not yours"}, Reason: "not assigned", ReceivedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)

	got, err := h.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Accepted)
	assert.False(t, got[1].Accepted)
	assert.Equal(t, []string{"not yours"}, got[1].Details)
	assert.Equal(t, "not assigned", got[1].Reason)

	require.NoError(t, h.MarkRejected(ctx, id, first.Sequence, "storage unavailable"))
	got, err = h.List(ctx, id)
	require.NoError(t, err)
	assert.False(t, got[0].Accepted)
	assert.Equal(t, "storage unavailable", got[0].Reason)
	assert.ErrorIs(t, h.MarkRejected(ctx, id, 9, "nope"), errdefs.ErrNotFound)

	empty, err := h.List(ctx, "00000000-0000-4000-8000-000000000003")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryControllers(t *testing.T) {
	runControllerContract(t, NewMemoryControllers())
}

func TestMemoryHistory(t *testing.T) {
	runHistoryContract(t, NewMemoryHistory())
}

func TestGormControllers(t *testing.T) {
	orm, err := db.OpenORM(postgresPool(t))
	require.NoError(t, err)
	repo, err := NewGormControllers(orm)
	require.NoError(t, err)
	runControllerContract(t, repo)
}

func TestPGHistory(t *testing.T) {
	h, err := NewPGHistory(postgresPool(t))
	require.NoError(t, err)
	runHistoryContract(t, h)
}

func TestPGLockerSerialisesAcrossSessions(t *testing.T) {
	pool := postgresPool(t)
	first, err := NewPGLocker(pool)
	require.NoError(t, err)
	second, err := NewPGLocker(pool)
	require.NoError(t, err)
	ctx := context.Background()

	release, err := first.Lock(ctx, "device001")
	require.NoError(t, err)

	other, err := second.Lock(ctx, "device002")
	require.NoError(t, err)
	other()

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = second.Lock(short, "device001")
	require.Error(t, err, "lock is held by another session")

	acquired := make(chan func(), 1)
	go func() {
		unlock, err := second.Lock(ctx, "device001")
		if assert.NoError(t, err) {
			acquired <- unlock
		}
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case unlock := <-acquired:
		unlock()
	case <-time.After(2 * time.Second):
		t.Fatal("lock not handed over")
	}
}
