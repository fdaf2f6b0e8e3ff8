package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"otad/pkg/db"
	"otad/pkg/errdefs"
)

// Controller is a device-side agent known to the coordinator. Records are
// created on first contact and never deleted.
type Controller struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
	// Assigned is the id of the open deployment bound to the controller, or "".
	Assigned string `json:"assigned_deployment,omitempty"`
}

func (c Controller) clone() Controller {
	c.Attributes = maps.Clone(c.Attributes)
	return c
}

// ControllerRepository persists controllers. Save is an upsert.
type ControllerRepository interface {
	Get(ctx context.Context, id string) (Controller, error)
	Save(ctx context.Context, c Controller) error
}

// MemoryControllers is an in-process ControllerRepository.
type MemoryControllers struct {
	mu    sync.RWMutex
	items map[string]Controller
}

// NewMemoryControllers returns an empty repository.
func NewMemoryControllers() *MemoryControllers {
	return &MemoryControllers{items: make(map[string]Controller)}
}

func (m *MemoryControllers) Get(_ context.Context, id string) (Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[id]
	if !ok {
		return Controller{}, fmt.Errorf("%w: controller %q", errdefs.ErrNotFound, id)
	}
	return c.clone(), nil
}

func (m *MemoryControllers) Save(_ context.Context, c Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[c.ID] = c.clone()
	return nil
}

type controllerModel struct {
	ID                 string            `gorm:"type:text;primaryKey"`
	Attributes         datatypes.JSONMap `gorm:"type:jsonb"`
	AssignedDeployment *string           `gorm:"type:uuid"`
	FirstSeen          time.Time         `gorm:"type:timestamptz;not null"`
	LastSeen           time.Time         `gorm:"type:timestamptz;not null"`
}

func (controllerModel) TableName() string { return "controllers" }

// GormControllers stores controllers in the controllers table.
type GormControllers struct {
	orm *gorm.DB
}

// NewGormControllers returns a repository backed by orm.
func NewGormControllers(orm *gorm.DB) (*GormControllers, error) {
	if orm == nil {
		return nil, errors.New("coordinator: orm is required")
	}
	return &GormControllers{orm: orm}, nil
}

func (g *GormControllers) Get(ctx context.Context, id string) (Controller, error) {
	var model controllerModel
	if err := g.orm.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return Controller{}, fmt.Errorf("controller %q: %w", id, db.Classify(err))
	}

	c := Controller{
		ID:        model.ID,
		FirstSeen: model.FirstSeen.UTC(),
		LastSeen:  model.LastSeen.UTC(),
	}
	if model.AssignedDeployment != nil {
		c.Assigned = *model.AssignedDeployment
	}
	if len(model.Attributes) > 0 {
		c.Attributes = make(map[string]string, len(model.Attributes))
		for k, v := range model.Attributes {
			c.Attributes[k] = fmt.Sprint(v)
		}
	}
	return c, nil
}

func (g *GormControllers) Save(ctx context.Context, c Controller) error {
	model := controllerModel{
		ID:        c.ID,
		FirstSeen: c.FirstSeen.UTC(),
		LastSeen:  c.LastSeen.UTC(),
	}
	if c.Assigned != "" {
		assigned := c.Assigned
		model.AssignedDeployment = &assigned
	}
	if len(c.Attributes) > 0 {
		model.Attributes = datatypes.JSONMap{}
		for k, v := range c.Attributes {
			model.Attributes[k] = v
		}
	}

	err := g.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"attributes", "assigned_deployment", "last_seen"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("save controller %q: %w", c.ID, db.Classify(err))
	}
	return nil
}
