package artifacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"otad/pkg/db"
)

type artifactModel struct {
	Name      string    `gorm:"type:text;primaryKey"`
	Locator   string    `gorm:"type:text;not null;uniqueIndex"`
	Size      int64     `gorm:"not null"`
	SHA256    string    `gorm:"column:sha256;type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null"`
}

func (artifactModel) TableName() string { return "artifacts" }

func (m artifactModel) toArtifact() Artifact {
	return Artifact{
		Name:      m.Name,
		Locator:   m.Locator,
		Size:      m.Size,
		SHA256:    m.SHA256,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

// GormIndex stores artifact records in the artifacts table.
type GormIndex struct {
	orm *gorm.DB
}

// NewGormIndex returns an index backed by orm.
func NewGormIndex(orm *gorm.DB) (*GormIndex, error) {
	if orm == nil {
		return nil, errors.New("artifacts: orm is required")
	}
	return &GormIndex{orm: orm}, nil
}

func (g *GormIndex) Save(ctx context.Context, a Artifact) error {
	model := artifactModel{
		Name:      a.Name,
		Locator:   a.Locator,
		Size:      a.Size,
		SHA256:    a.SHA256,
		CreatedAt: a.CreatedAt,
	}
	if err := g.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("save artifact %q: %w", a.Name, db.Classify(err))
	}
	return nil
}

func (g *GormIndex) ByName(ctx context.Context, name string) (Artifact, error) {
	var model artifactModel
	if err := g.orm.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		return Artifact{}, fmt.Errorf("artifact %q: %w", name, db.Classify(err))
	}
	return model.toArtifact(), nil
}

func (g *GormIndex) ByLocator(ctx context.Context, locator string) (Artifact, error) {
	var model artifactModel
	if err := g.orm.WithContext(ctx).Where("locator = ?", locator).First(&model).Error; err != nil {
		return Artifact{}, fmt.Errorf("locator %q: %w", locator, db.Classify(err))
	}
	return model.toArtifact(), nil
}
