package preset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"csmvoice/internal/pkg/csmvoice/apperr"
)

const DefaultSQLitePath = "voice_presets.db"

type Store interface {
	CreatePreset(ctx context.Context, p Preset) (int64, error)
	GetPreset(ctx context.Context, id int64) (Preset, bool, error)
	ListPresets(ctx context.Context) ([]Preset, error)
	UpdatePreset(ctx context.Context, p Preset) (bool, error)
	DeletePreset(ctx context.Context, id int64) (bool, error)
	AddSample(ctx context.Context, presetID int64, audioPath, text string) (int64, error)
	CreatePresetWithSample(ctx context.Context, p Preset, audioPath, text string) (int64, error)
	ListSamples(ctx context.Context, presetID int64) ([]Sample, error)
	Matcher
}

type Database struct {
	Driver string
	DSN    string
}

type Option func(*GormStore)

// WithClock replaces the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *GormStore) {
		if now != nil {
			s.now = now
		}
	}
}

// GormStore implements Store on SQLite or Postgres.
type GormStore struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Database, log zerolog.Logger, opts ...Option) (*GormStore, error) {
	gormLog := gormlogger.New(
		&log,
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		dialector = sqlite.Open(SQLiteDSN(cfg.DSN))
	case "postgres", "postgresql":
		driver = "postgres"
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, apperr.New(apperr.KindConfig, "preset.open", fmt.Sprintf("unsupported database driver %q", cfg.Driver))
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "preset.open", "failed to open database", err)
	}

	if driver == "sqlite" {
		if err := prepareSQLite(db); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, "preset.open", "failed to prepare sqlite", err)
		}
	}

	if err := db.AutoMigrate(&PresetModel{}, &SampleModel{}); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "preset.open", "failed to migrate schema", err)
	}

	s := &GormStore{
		db:  db,
		log: log,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	log.Debug().Str("driver", driver).Msg("Preset store ready")

	return s, nil
}

// SQLiteDSN adds the connection parameters the store relies on: enforced
// foreign keys and a busy timeout.
func SQLiteDSN(dsn string) string {
	if strings.TrimSpace(dsn) == "" {
		dsn = DefaultSQLitePath
	}

	var params []string
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk=") {
		params = append(params, "_foreign_keys=1")
	}
	if !strings.Contains(dsn, "_busy_timeout") && !strings.Contains(dsn, "_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func prepareSQLite(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql handle: %w", err)
	}
	// SQLite locks the whole file on write.
	sqlDB.SetMaxOpenConns(1)

	var enabled int
	if err := db.Raw("PRAGMA foreign_keys").Scan(&enabled).Error; err != nil {
		return fmt.Errorf("failed to read foreign_keys pragma: %w", err)
	}
	if enabled != 1 {
		return errors.New("foreign key enforcement is disabled")
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *GormStore) CreatePreset(ctx context.Context, p Preset) (int64, error) {
	if err := p.Normalize(); err != nil {
		return 0, err
	}

	model := presetToModel(p)
	model.ID = 0
	model.CreatedAt = s.timestamp()

	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, apperr.Wrap(apperr.KindPersistence, "preset.create", "failed to create preset", err)
	}
	return model.ID, nil
}

func (s *GormStore) GetPreset(ctx context.Context, id int64) (Preset, bool, error) {
	var model PresetModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Preset{}, false, nil
		}
		return Preset{}, false, apperr.Wrap(apperr.KindPersistence, "preset.get", "failed to load preset", err)
	}
	return presetFromModel(model), true, nil
}

func (s *GormStore) ListPresets(ctx context.Context) ([]Preset, error) {
	var models []PresetModel
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "preset.list", "failed to list presets", err)
	}
	return presetsFromModels(models), nil
}

// UpdatePreset overwrites every mutable column of row p.ID. Missing rows are
// reported as false, not as an error.
func (s *GormStore) UpdatePreset(ctx context.Context, p Preset) (bool, error) {
	if err := p.Normalize(); err != nil {
		return false, err
	}

	res := s.db.WithContext(ctx).
		Model(&PresetModel{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"name":        p.Name,
			"speaker_id":  p.SpeakerID,
			"temperature": p.Temperature,
			"min_p":       p.MinP,
			"seed":        p.Seed,
			"speed":       p.Speed,
			"description": p.Description,
		})
	if res.Error != nil {
		return false, apperr.Wrap(apperr.KindPersistence, "preset.update", "failed to update preset", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeletePreset removes the preset and its samples in one transaction.
func (s *GormStore) DeletePreset(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SampleModel{}, "preset_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&PresetModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, apperr.Wrap(apperr.KindPersistence, "preset.delete", "failed to delete preset", err)
	}
	return deleted, nil
}

func (s *GormStore) AddSample(ctx context.Context, presetID int64, audioPath, text string) (int64, error) {
	model := SampleModel{
		PresetID:  presetID,
		AudioPath: audioPath,
		Text:      text,
		CreatedAt: s.timestamp(),
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, apperr.Wrap(apperr.KindPersistence, "preset.add_sample",
			fmt.Sprintf("failed to add sample to preset %d", presetID), err)
	}
	return model.ID, nil
}

// CreatePresetWithSample inserts a preset and its first sample in one
// transaction. Neither row is kept if either insert fails.
func (s *GormStore) CreatePresetWithSample(ctx context.Context, p Preset, audioPath, text string) (int64, error) {
	if err := p.Normalize(); err != nil {
		return 0, err
	}

	model := presetToModel(p)
	model.ID = 0
	model.CreatedAt = s.timestamp()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Create(&SampleModel{
			PresetID:  model.ID,
			AudioPath: audioPath,
			Text:      text,
			CreatedAt: model.CreatedAt,
		}).Error
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.KindPersistence, "preset.create", "failed to create preset with sample", err)
	}
	return model.ID, nil
}

func (s *GormStore) ListSamples(ctx context.Context, presetID int64) ([]Sample, error) {
	var models []SampleModel
	err := s.db.WithContext(ctx).
		Where("preset_id = ?", presetID).
		Order("created_at DESC, id DESC").
		Find(&models).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "preset.list_samples", "failed to list samples", err)
	}

	res := make([]Sample, 0, len(models))
	for _, m := range models {
		res = append(res, sampleFromModel(m))
	}
	return res, nil
}
