package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/leveling/leveling/internal/types"
)

// UserSave is the user_saves row.
type UserSave struct {
	UserID       string         `gorm:"primaryKey;type:text" json:"user_id"`
	SaveData     datatypes.JSON `gorm:"type:jsonb;not null" json:"save_data"`
	LastModified time.Time      `gorm:"not null;index" json:"last_modified"`
	LastSave     *time.Time     `json:"last_save"`
	Mutations    datatypes.JSON `gorm:"type:jsonb;default:'[]'" json:"mutations"`
}

// TableName implements gorm's Tabler.
func (UserSave) TableName() string {
	return "user_saves"
}

// GormStore is a Remote backed by a gorm database.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects to Postgres and migrates the user_saves table.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return NewGormStore(db)
}

// NewGormStore wraps an open gorm database and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&UserSave{}); err != nil {
		return nil, fmt.Errorf("failed to migrate user_saves: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// Ping checks the database connection.
func (g *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Fetch implements Remote.
func (g *GormStore) Fetch(ctx context.Context, userID string) (*SaveRecord, error) {
	var row UserSave
	err := g.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch save: %w: %w", ErrRequestFailed, err)
	}
	return row.record()
}

// FetchMeta implements Remote.
func (g *GormStore) FetchMeta(ctx context.Context, userID string) (*Meta, error) {
	var row UserSave
	err := g.db.WithContext(ctx).
		Select("last_modified", "last_save").
		Where("user_id = ?", userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch save metadata: %w: %w", ErrRequestFailed, err)
	}
	return &Meta{LastModified: row.LastModified.UTC(), LastSave: utcPtr(row.LastSave)}, nil
}

// Upsert implements Remote. The whole row is replaced.
func (g *GormStore) Upsert(ctx context.Context, rec *SaveRecord) (*SaveRecord, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec.SaveData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode save data: %w", err)
	}
	muts := rec.Mutations
	if muts == nil {
		muts = []types.Mutation{}
	}
	mutData, err := json.Marshal(muts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mutations: %w", err)
	}

	var lastSave *time.Time
	if rec.LastSave != nil {
		t := storedTime(*rec.LastSave)
		lastSave = &t
	}
	row := UserSave{
		UserID:       rec.UserID,
		SaveData:     datatypes.JSON(data),
		LastModified: storedTime(g.now()),
		LastSave:     lastSave,
		Mutations:    datatypes.JSON(mutData),
	}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"save_data", "last_modified", "last_save", "mutations"}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert save: %w: %w", ErrRequestFailed, err)
	}
	return row.record()
}

func (r *UserSave) record() (*SaveRecord, error) {
	rec := &SaveRecord{
		UserID:       r.UserID,
		LastModified: r.LastModified.UTC(),
		LastSave:     utcPtr(r.LastSave),
		SaveData:     types.NewSnapshot(),
	}
	if len(r.SaveData) > 0 {
		if err := json.Unmarshal(r.SaveData, rec.SaveData); err != nil {
			return nil, fmt.Errorf("invalid save_data for %s: %w", r.UserID, err)
		}
	}
	if len(r.Mutations) > 0 {
		if err := json.Unmarshal(r.Mutations, &rec.Mutations); err != nil {
			return nil, fmt.Errorf("invalid mutations for %s: %w", r.UserID, err)
		}
	}
	return rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
