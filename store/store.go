// Package store persists telemetry, commands and trajectory snapshots with gorm.
// Outage never blocks callers: writes fail fast with ErrUnavailable
// while a background reconnect is in progress.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/log2"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

var ErrUnavailable = errors.New("store unavailable")

type Options struct {
	Driver       string
	DSN          string
	RetryDelay   time.Duration
	RetryMax     int
	MaxOpenConns int
	Log          *log2.Log
}

type Store struct {
	opt Options
	log *log2.Log

	mu           sync.RWMutex
	db           *gorm.DB
	closed       bool
	reconnecting int32
	// bounds background reconnect rounds, cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect opens database with up to RetryMax attempts RetryDelay apart
// and migrates schema. Unsupported driver fails without retry.
func Connect(ctx context.Context, opt Options) (*Store, error) {
	s := &Store{opt: opt, log: opt.Log}
	db, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Store) dialector() (gorm.Dialector, error) {
	switch s.opt.Driver {
	case DriverSQLite, "":
		return sqlite.Open(s.opt.DSN), nil
	case DriverMySQL:
		return mysql.Open(s.opt.DSN), nil
	}
	return nil, errors.NotSupportedf("store driver=%s", s.opt.Driver)
}

func (s *Store) open(ctx context.Context) (*gorm.DB, error) {
	d, err := s.dialector()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.New(gormWriter{s.log}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		if db != nil && db.ConnPool != nil {
			if sqlDB, dberr := db.DB(); dberr == nil {
				_ = sqlDB.Close()
			}
		}
		return nil, errors.Annotatef(err, "store open driver=%s", s.opt.Driver)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Annotate(err, "store pool")
	}
	maxOpen := s.opt.MaxOpenConns
	if s.opt.Driver != DriverMySQL {
		// sqlite allows one writer, and every :memory: connection is a separate database
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotatef(err, "store ping driver=%s", s.opt.Driver)
	}
	if err := db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotate(err, "store migrate")
	}
	return db, nil
}

func (s *Store) dial(ctx context.Context) (*gorm.DB, error) {
	var err error
	for i := 1; ; i++ {
		var db *gorm.DB
		if db, err = s.open(ctx); err == nil {
			return db, nil
		}
		if errors.IsNotSupported(err) {
			return nil, err
		}
		if s.opt.RetryMax > 0 && i >= s.opt.RetryMax {
			return nil, errors.Annotatef(err, "store give up after %d attempts", i)
		}
		s.log.Errorf("store connect attempt=%d err=%v", i, err)
		select {
		case <-ctx.Done():
			return nil, errors.Annotate(ctx.Err(), "store connect")
		case <-time.After(s.opt.RetryDelay):
		}
	}
}

// handle returns live connection. While database is unavailable every call
// outside a running reconnect round starts a new one.
func (s *Store) handle() (*gorm.DB, error) {
	s.mu.RLock()
	db, closed := s.db, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrUnavailable
	}
	if atomic.LoadInt32(&s.reconnecting) != 0 {
		return nil, ErrUnavailable
	}
	if db == nil {
		s.startReconnect(nil, "store unavailable, reconnecting")
		return nil, ErrUnavailable
	}
	return db, nil
}

// Persist inserts record into table. Write errors are returned and trigger
// a background reconnect when the database is not reachable.
func (s *Store) Persist(ctx context.Context, table string, record interface{}) error {
	if t, ok := record.(tabler); !ok || t.TableName() != table {
		return errors.NotValidf("record %T for table %s", record, table)
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Table(table).Create(record).Error; err != nil {
		s.checkAlive(ctx, db)
		return errors.Annotatef(err, "persist table=%s", table)
	}
	return nil
}

// QueryLatest returns up to limit newest rows of robotID as *[]Model, newest first.
func (s *Store) QueryLatest(ctx context.Context, table, robotID string, limit int) (interface{}, error) {
	out, err := newSlice(table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	err = db.WithContext(ctx).Table(table).
		Where("robot_id = ?", robotID).
		Order("timestamp DESC").Order("id DESC").
		Limit(limit).
		Find(out).Error
	if err != nil {
		s.checkAlive(ctx, db)
		return nil, errors.Annotatef(err, "query table=%s robot=%s", table, robotID)
	}
	return out, nil
}

// Migrate creates or updates all tables.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return errors.Annotate(db.WithContext(ctx).AutoMigrate(AllModels()...), "store migrate")
}

// Available does not start reconnect.
func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil && !s.closed && atomic.LoadInt32(&s.reconnecting) == 0
}

// Close stops reconnect attempts and closes connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.closed = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return sqlDB.Close()
}

func (s *Store) checkAlive(ctx context.Context, db *gorm.DB) {
	sqlDB, err := db.DB()
	if err == nil {
		if err = sqlDB.PingContext(ctx); err == nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	s.startReconnect(db, fmt.Sprintf("store connection lost, reconnecting err=%v", err))
}

func (s *Store) startReconnect(old *gorm.DB, reason string) {
	if !atomic.CompareAndSwapInt32(&s.reconnecting, 0, 1) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		atomic.StoreInt32(&s.reconnecting, 0)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	s.log.Error(reason)
	go s.reconnect(old)
}

// reconnect runs one capped dial round. When it fails db stays nil
// and next handle() call starts another round.
func (s *Store) reconnect(old *gorm.DB) {
	defer s.wg.Done()
	defer atomic.StoreInt32(&s.reconnecting, 0)
	if old != nil {
		if sqlDB, err := old.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	db, err := s.dial(s.ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if db != nil {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return
	}
	s.db = db
	s.mu.Unlock()
	if err != nil {
		s.log.Error(errors.Annotate(err, "store reconnect"))
		return
	}
	s.log.Infof("store reconnected driver=%s", s.opt.Driver)
}

type gormWriter struct{ log *log2.Log }

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Infof("gorm: "+strings.TrimSpace(format), args...)
}
