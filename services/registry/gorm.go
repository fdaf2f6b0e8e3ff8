package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"otad/pkg/db"
	"otad/pkg/errdefs"
)

type deploymentModel struct {
	ID         string         `gorm:"type:uuid;primaryKey"`
	Name       *string        `gorm:"type:text;uniqueIndex"`
	Selector   datatypes.JSON `gorm:"type:jsonb;not null"`
	Artifacts  datatypes.JSON `gorm:"type:jsonb;not null"`
	State      string         `gorm:"type:text;not null"`
	Version    int64          `gorm:"not null"`
	AssignedTo string         `gorm:"type:text"`
	CreatedAt  time.Time      `gorm:"type:timestamptz;not null"`
	AssignedAt *time.Time     `gorm:"type:timestamptz"`
	ClosedAt   *time.Time     `gorm:"type:timestamptz"`
}

func (deploymentModel) TableName() string { return "deployments" }

func toModel(d Deployment) (deploymentModel, error) {
	selector, err := json.Marshal(d.Selector)
	if err != nil {
		return deploymentModel{}, fmt.Errorf("marshal selector: %w", err)
	}
	artifacts, err := json.Marshal(d.Artifacts)
	if err != nil {
		return deploymentModel{}, fmt.Errorf("marshal artifacts: %w", err)
	}
	m := deploymentModel{
		ID:         d.ID,
		Selector:   datatypes.JSON(selector),
		Artifacts:  datatypes.JSON(artifacts),
		State:      d.State.String(),
		Version:    d.Version,
		AssignedTo: d.AssignedTo,
		CreatedAt:  d.CreatedAt.UTC(),
		AssignedAt: d.AssignedAt,
		ClosedAt:   d.ClosedAt,
	}
	if d.Name != "" {
		name := d.Name
		m.Name = &name
	}
	return m, nil
}

func (m deploymentModel) toDeployment() (Deployment, error) {
	state, err := ParseState(m.State)
	if err != nil {
		return Deployment{}, err
	}
	d := Deployment{
		ID:         m.ID,
		State:      state,
		Version:    m.Version,
		AssignedTo: m.AssignedTo,
		CreatedAt:  m.CreatedAt.UTC(),
		AssignedAt: utcPtr(m.AssignedAt),
		ClosedAt:   utcPtr(m.ClosedAt),
	}
	if m.Name != nil {
		d.Name = *m.Name
	}
	if err := json.Unmarshal(m.Selector, &d.Selector); err != nil {
		return Deployment{}, fmt.Errorf("decode selector: %w", err)
	}
	if err := json.Unmarshal(m.Artifacts, &d.Artifacts); err != nil {
		return Deployment{}, fmt.Errorf("decode artifacts: %w", err)
	}
	return d, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// GormRepository stores deployments in the deployments table.
type GormRepository struct {
	orm *gorm.DB
}

// NewGormRepository returns a repository backed by orm.
func NewGormRepository(orm *gorm.DB) (*GormRepository, error) {
	if orm == nil {
		return nil, errors.New("registry: orm is required")
	}
	return &GormRepository{orm: orm}, nil
}

func (g *GormRepository) Create(ctx context.Context, d Deployment) error {
	model, err := toModel(d)
	if err != nil {
		return err
	}
	if err := g.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("create deployment %q: %w", d.ID, db.Classify(err))
	}
	return nil
}

func (g *GormRepository) Get(ctx context.Context, id string) (Deployment, error) {
	var model deploymentModel
	if err := g.orm.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return Deployment{}, fmt.Errorf("deployment %q: %w", id, db.Classify(err))
	}
	return model.toDeployment()
}

func (g *GormRepository) GetByName(ctx context.Context, name string) (Deployment, error) {
	var model deploymentModel
	if err := g.orm.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		return Deployment{}, fmt.Errorf("deployment name %q: %w", name, db.Classify(err))
	}
	return model.toDeployment()
}

func (g *GormRepository) ListByState(ctx context.Context, state State) ([]Deployment, error) {
	var models []deploymentModel
	err := g.orm.WithContext(ctx).
		Where("state = ?", state.String()).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", db.Classify(err))
	}

	out := make([]Deployment, 0, len(models))
	for _, m := range models {
		d, err := m.toDeployment()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (g *GormRepository) Update(ctx context.Context, d Deployment, expectedVersion int64) (Deployment, error) {
	d.Version = expectedVersion + 1
	model, err := toModel(d)
	if err != nil {
		return Deployment{}, err
	}

	res := g.orm.WithContext(ctx).
		Model(&deploymentModel{}).
		Where("id = ? AND version = ?", d.ID, expectedVersion).
		Updates(map[string]any{
			"state":       model.State,
			"version":     model.Version,
			"assigned_to": model.AssignedTo,
			"assigned_at": model.AssignedAt,
			"closed_at":   model.ClosedAt,
		})
	if res.Error != nil {
		return Deployment{}, fmt.Errorf("update deployment %q: %w", d.ID, db.Classify(res.Error))
	}
	if res.RowsAffected == 0 {
		if _, err := g.Get(ctx, d.ID); err != nil {
			return Deployment{}, err
		}
		return Deployment{}, fmt.Errorf("%w: deployment %q changed since version %d", errdefs.ErrConflict, d.ID, expectedVersion)
	}
	return d, nil
}
