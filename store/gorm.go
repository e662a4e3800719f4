package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/flowforge/engine"
	"github.com/BaSui01/flowforge/types"
)

// graphRecord is the persisted row for a graph. The full definition is
// serialized as JSON so the schema stays stable as the graph model evolves.
type graphRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:255"`
	Definition string
	CreatedAt  time.Time
}

func (graphRecord) TableName() string { return "graphs" }

type runRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	GraphID    string `gorm:"index;size:64"`
	Status     string `gorm:"size:16"`
	State      string
	Steps      string
	Reason     string `gorm:"size:32"`
	Error      string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

func (runRecord) TableName() string { return "runs" }

// GormStore persists graphs and runs through GORM.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an existing GORM handle and migrates the schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.AutoMigrate(&graphRecord{}, &runRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// OpenSQLite opens (or creates) a SQLite database at path and returns a
// migrated store. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return NewGormStore(db, logger)
}

func (s *GormStore) SaveGraph(ctx context.Context, graph *engine.Graph) error {
	definition, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to serialize graph: %w", err)
	}

	rec := graphRecord{
		ID:         graph.ID,
		Name:       graph.Name,
		Definition: string(definition),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save graph: %w", err)
	}
	return nil
}

func (s *GormStore) GetGraph(ctx context.Context, id string) (*engine.Graph, error) {
	var rec graphRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrGraphNotFound, "graph %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}

	var graph engine.Graph
	if err := json.Unmarshal([]byte(rec.Definition), &graph); err != nil {
		return nil, fmt.Errorf("failed to decode graph %s: %w", id, err)
	}
	return &graph, nil
}

func (s *GormStore) ListGraphs(ctx context.Context) ([]*engine.Graph, error) {
	var recs []graphRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}

	out := make([]*engine.Graph, 0, len(recs))
	for _, rec := range recs {
		var graph engine.Graph
		if err := json.Unmarshal([]byte(rec.Definition), &graph); err != nil {
			return nil, fmt.Errorf("failed to decode graph %s: %w", rec.ID, err)
		}
		out = append(out, &graph)
	}
	return out, nil
}

func (s *GormStore) SaveRun(ctx context.Context, run *Run) error {
	state, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("failed to serialize run state: %w", err)
	}
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to serialize run steps: %w", err)
	}

	rec := runRecord{
		ID:         run.ID,
		GraphID:    run.GraphID,
		Status:     string(run.Status),
		State:      string(state),
		Steps:      string(steps),
		Reason:     string(run.Reason),
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *GormStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var rec runRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrRunNotFound, "run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	run := &Run{
		ID:         rec.ID,
		GraphID:    rec.GraphID,
		Status:     RunStatus(rec.Status),
		Reason:     engine.TerminationReason(rec.Reason),
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
	}
	if rec.State != "" {
		if err := json.Unmarshal([]byte(rec.State), &run.State); err != nil {
			return nil, fmt.Errorf("failed to decode run state: %w", err)
		}
	}
	if rec.Steps != "" {
		if err := json.Unmarshal([]byte(rec.Steps), &run.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode run steps: %w", err)
		}
	}
	return run, nil
}

// Ping checks the underlying connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	s.logger.Info("closing store")
	return sqlDB.Close()
}
