// Package journal keeps an append-only sqlite record of evaluations and
// orchestrator events for later inspection.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"confluence/internal/logger"
	"confluence/internal/orchestrator"
	"confluence/internal/signal"
)

const defaultQueueSize = 1024

type Config struct {
	Path      string
	QueueSize int
}

// Journal writes asynchronously so the evaluation and update loops never
// wait on disk. When the queue is full records are dropped and counted.
type Journal struct {
	db      *gorm.DB
	queue   chan any
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type flushMarker chan struct{}

var (
	_ signal.Observer       = (*Journal)(nil)
	_ orchestrator.Listener = (*Journal)(nil)
)

func Open(cfg Config) (*Journal, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewFromDB(db, cfg.QueueSize)
}

func NewFromDB(db *gorm.DB, queueSize int) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&EvaluationModel{}, &EventModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	j := &Journal{
		db:    db,
		queue: make(chan any, queueSize),
		done:  make(chan struct{}),
	}
	go j.loop()
	return j, nil
}

func (j *Journal) loop() {
	defer close(j.done)
	for item := range j.queue {
		var err error
		switch rec := item.(type) {
		case *EvaluationModel:
			err = j.db.Create(rec).Error
		case *EventModel:
			err = j.db.Create(rec).Error
		case flushMarker:
			close(rec)
		}
		if err != nil {
			logger.Warnf("journal write failed: %v", err)
		}
	}
}

func (j *Journal) enqueue(item any) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return false
	}
	select {
	case j.queue <- item:
		return true
	default:
		j.dropped.Add(1)
		return false
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) OnEvaluation(ev signal.Evaluation) {
	j.enqueue(evaluationModel(ev))
}

func (j *Journal) OnEvent(ev orchestrator.Event) {
	j.enqueue(eventModel(ev))
}

// Flush waits until every record queued before the call is written.
func (j *Journal) Flush(ctx context.Context) error {
	marker := make(flushMarker)
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return fmt.Errorf("journal closed")
	}
	select {
	case j.queue <- marker:
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	j.mu.RUnlock()
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()
		<-j.done
		sqlDB, dbErr := j.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

// RecentEvaluations returns the newest evaluations first. An empty symbol
// matches every symbol.
func (j *Journal) RecentEvaluations(ctx context.Context, symbol string, limit int) ([]EvaluationModel, error) {
	var rows []EvaluationModel
	q := j.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(normalizeLimit(limit))
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (j *Journal) RecentEvents(ctx context.Context, symbol string, limit int) ([]EventModel, error) {
	var rows []EventModel
	q := j.db.WithContext(ctx).Order("at DESC, id DESC").Limit(normalizeLimit(limit))
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func evaluationModel(ev signal.Evaluation) *EvaluationModel {
	m := &EvaluationModel{
		Symbol:     ev.Symbol,
		Side:       ev.Side.String(),
		Demoted:    ev.Demoted,
		Emitted:    ev.Signal != nil,
		StartedAt:  ev.Started.UnixMilli(),
		DurationMs: ev.Duration.Milliseconds(),
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	if ev.Result != nil {
		m.OverallScore = ev.Result.OverallScore
		m.Reliability = ev.Result.Reliability
		m.MissingWeight = ev.Result.MissingWeight
		m.Components = toJSON(ev.Result.Components)
		m.Impacts = toJSON(ev.Result.Impacts)
		m.Missing = toJSON(ev.Result.Missing)
	}
	if ev.Signal != nil {
		m.SignalID = ev.Signal.ID
		m.Price = ev.Signal.Price
	}
	return m
}

func eventModel(ev orchestrator.Event) *EventModel {
	m := &EventModel{
		Kind:     string(ev.Kind),
		Symbol:   ev.Symbol,
		SignalID: ev.SignalID,
		Detail:   ev.Detail,
		At:       ev.At.UnixMilli(),
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	if ev.Decision != nil {
		m.Decision = toJSON(ev.Decision)
	}
	if ev.Result != nil {
		m.Result = toJSON(ev.Result)
		m.ClientOrderID = ev.Result.ClientOrderID
	}
	return m
}

func toJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
