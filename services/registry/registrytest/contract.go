// Package registrytest provides contract tests for registry.Repository and
// registry.AuditLog implementations.
package registrytest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otad/pkg/errdefs"
	"otad/services/registry"
)

// Factory creates a fresh repository for each test.
type Factory func(t *testing.T) registry.Repository

// AuditFactory creates a fresh audit log for each test.
type AuditFactory func(t *testing.T) registry.AuditLog

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sample(id string, created time.Time) registry.Deployment {
	return registry.Deployment{
		ID: id,
		Artifacts: []registry.ArtifactRef{
			{Name: "firmware", Locator: "artifacts/x/firmware", Size: 1048576, SHA256: "ab"},
		},
		Selector:  registry.Selector{Controllers: []string{"device001"}},
		State:     registry.StatePending,
		Version:   1,
		CreatedAt: created,
	}
}

// Run exercises the registry.Repository contract. Ids are uuids so SQL
// implementations can store them in uuid columns.
func Run(t *testing.T, factory Factory) {
	const (
		id1 = "00000000-0000-4000-8000-000000000001"
		id2 = "00000000-0000-4000-8000-000000000002"
		id3 = "00000000-0000-4000-8000-000000000003"
	)

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sample(id1, epoch)
		d.Name = "fw-rollout"
		d.Selector.MatchLabels = map[string]string{"hw": "rev2"}
		require.NoError(t, repo.Create(ctx, d))

		got, err := repo.Get(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, d, got)

		byName, err := repo.GetByName(ctx, "fw-rollout")
		require.NoError(t, err)
		assert.Equal(t, id1, byName.ID)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, sample(id1, epoch)))
		assert.ErrorIs(t, repo.Create(ctx, sample(id1, epoch)), errdefs.ErrAlreadyExists)
	})

	t.Run("CreateDuplicateName", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		a, b := sample(id1, epoch), sample(id2, epoch)
		a.Name, b.Name = "same", "same"
		require.NoError(t, repo.Create(ctx, a))
		assert.ErrorIs(t, repo.Create(ctx, b), errdefs.ErrAlreadyExists)
	})

	t.Run("UnnamedDeploymentsCoexist", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, sample(id1, epoch)))
		require.NoError(t, repo.Create(ctx, sample(id2, epoch)))
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), id3)
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
		_, err = repo.GetByName(context.Background(), "nope")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("ListByStateIsFIFO", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, sample(id3, epoch.Add(2*time.Second))))
		require.NoError(t, repo.Create(ctx, sample(id2, epoch)))
		require.NoError(t, repo.Create(ctx, sample(id1, epoch)))

		got, err := repo.ListByState(ctx, registry.StatePending)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{id1, id2, id3}, []string{got[0].ID, got[1].ID, got[2].ID})

		none, err := repo.ListByState(ctx, registry.StateRunning)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("UpdateBumpsVersion", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sample(id1, epoch)
		require.NoError(t, repo.Create(ctx, d))

		at := epoch.Add(time.Minute)
		d.State = registry.StateAssigned
		d.AssignedTo = "device001"
		d.AssignedAt = &at
		updated, err := repo.Update(ctx, d, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		got, err := repo.Get(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, registry.StateAssigned, got.State)
		assert.Equal(t, "device001", got.AssignedTo)
		require.NotNil(t, got.AssignedAt)
		assert.True(t, at.Equal(*got.AssignedAt))
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("UpdateStaleVersionConflicts", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		d := sample(id1, epoch)
		require.NoError(t, repo.Create(ctx, d))

		d.State = registry.StateAssigned
		_, err := repo.Update(ctx, d, 1)
		require.NoError(t, err)

		d.State = registry.StateClosedFailure
		_, err = repo.Update(ctx, d, 1)
		assert.ErrorIs(t, err, errdefs.ErrConflict)

		got, err := repo.Get(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, registry.StateAssigned, got.State)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Update(context.Background(), sample(id3, epoch), 1)
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("ReturnedValuesAreCopies", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, sample(id1, epoch)))

		got, err := repo.Get(ctx, id1)
		require.NoError(t, err)
		got.Artifacts[0].Name = "mutated"
		got.Selector.Controllers[0] = "mutated"

		again, err := repo.Get(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, "firmware", again.Artifacts[0].Name)
		assert.Equal(t, "device001", again.Selector.Controllers[0])
	})
}

// RunAudit exercises the registry.AuditLog contract.
func RunAudit(t *testing.T, factory AuditFactory) {
	const id = "00000000-0000-4000-8000-0000000000aa"

	t.Run("AppendAndListInOrder", func(t *testing.T) {
		log := factory(t)
		ctx := context.Background()
		require.NoError(t, log.Append(ctx, registry.AuditRecord{
			DeploymentID: id, Actor: "api", Action: registry.ActionCreated, To: "PENDING", At: epoch,
		}))
		require.NoError(t, log.Append(ctx, registry.AuditRecord{
			DeploymentID: id, Actor: "controller:device001", Action: registry.ActionTransition,
			From: "PENDING", To: "ASSIGNED", Details: map[string]any{"event": "assign"}, At: epoch.Add(time.Second),
		}))

		got, err := log.List(ctx, id)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, registry.ActionCreated, got[0].Action)
		assert.Equal(t, "ASSIGNED", got[1].To)
		assert.Equal(t, "assign", got[1].Details["event"])
		assert.Less(t, got[0].ID, got[1].ID)
	})

	t.Run("ListUnknownIsEmpty", func(t *testing.T) {
		got, err := factory(t).List(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
