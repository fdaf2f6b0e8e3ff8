package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// All returns the ordered set of schema migrations.
func All() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1,
			&goose.GoFunc{RunTx: upInit},
			&goose.GoFunc{RunTx: downInit},
		),
	}
}

type Deployment struct {
	ID         string         `gorm:"type:uuid;primaryKey"`
	Name       *string        `gorm:"type:text;uniqueIndex"`
	Selector   datatypes.JSON `gorm:"type:jsonb;not null"`
	Artifacts  datatypes.JSON `gorm:"type:jsonb;not null"`
	State      string         `gorm:"type:text;not null;index"`
	Version    int64          `gorm:"not null;default:1"`
	AssignedTo string         `gorm:"type:text;index"`
	CreatedAt  time.Time      `gorm:"type:timestamptz;not null;default:now();index"`
	AssignedAt *time.Time     `gorm:"type:timestamptz"`
	ClosedAt   *time.Time     `gorm:"type:timestamptz"`
}

type Controller struct {
	ID                 string            `gorm:"type:text;primaryKey"`
	Attributes         datatypes.JSONMap `gorm:"type:jsonb"`
	AssignedDeployment *string           `gorm:"type:uuid"`
	FirstSeen          time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	LastSeen           time.Time         `gorm:"type:timestamptz;not null;default:now()"`
}

type Artifact struct {
	Name      string    `gorm:"type:text;primaryKey"`
	Locator   string    `gorm:"type:text;not null;uniqueIndex"`
	Size      int64     `gorm:"not null"`
	SHA256    string    `gorm:"column:sha256;type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type StatusReport struct {
	DeploymentID string         `gorm:"type:uuid;primaryKey"`
	Sequence     int64          `gorm:"primaryKey;autoIncrement:false"`
	ControllerID string         `gorm:"type:text;not null"`
	Status       string         `gorm:"type:text;not null"`
	ReportedTime string         `gorm:"type:text"`
	Details      datatypes.JSON `gorm:"type:jsonb"`
	Accepted     bool           `gorm:"not null"`
	Reason       string         `gorm:"type:text"`
	ReceivedAt   time.Time      `gorm:"type:timestamptz;not null;default:now()"`
}

type Audit struct {
	ID           int64             `gorm:"type:bigserial;primaryKey"`
	DeploymentID string            `gorm:"type:uuid;not null;index"`
	Actor        string            `gorm:"type:text;not null"`
	Action       string            `gorm:"type:text;not null"`
	FromState    string            `gorm:"type:text"`
	ToState      string            `gorm:"type:text"`
	Details      datatypes.JSONMap `gorm:"type:jsonb"`
	At           time.Time         `gorm:"type:timestamptz;not null;default:now()"`
}

func (Audit) TableName() string { return "audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Artifact{},
		&Deployment{},
		&Controller{},
		&StatusReport{},
		&Audit{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&StatusReport{},
		&Controller{},
		&Deployment{},
		&Artifact{},
	)
}
