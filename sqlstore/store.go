// Package sqlstore is a SQLite-backed chatsync.Backend for running the
// engine against a local database instead of a remote store.
package sqlstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Prismer-AI/chatsync"
)

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("record not found")

const defaultPerPage = 30

// Record is one chat or message row. Collection-specific payload is kept
// as JSON in FieldsJSON.
type Record struct {
	ID         string    `gorm:"primaryKey"`
	Collection string    `gorm:"index:idx_collection_owner,priority:1;not null"`
	Owner      string    `gorm:"index:idx_collection_owner,priority:2;not null"`
	Content    string    `gorm:"type:text"`
	Status     string    `gorm:"index"`
	FieldsJSON string    `gorm:"type:json"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// Store implements chatsync.Backend on top of gorm. Subscriptions are
// served in-process: writes made through this Store are broadcast to
// matching subscribers synchronously, in write order.
type Store struct {
	db   *gorm.DB
	path string

	emitMu sync.Mutex

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Open connects to the SQLite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open SQLite database %s", path)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate database schema")
	}
	return &Store{db: db, path: path, subs: make(map[*subscription]struct{})}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ListPage returns one page of q.OwnerKey's records, newest first.
func (s *Store) ListPage(ctx context.Context, q chatsync.ListQuery) (*chatsync.ListResult, error) {
	perPage := q.PageSize
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	scope := s.db.WithContext(ctx).Model(&Record{}).
		Where("collection = ? AND owner = ?", q.Collection.Name, q.OwnerKey)

	var total int64
	if err := scope.Count(&total).Error; err != nil {
		return nil, errors.Wrapf(err, "count %s", q.Collection.Name)
	}

	var rows []Record
	err := s.db.WithContext(ctx).
		Where("collection = ? AND owner = ?", q.Collection.Name, q.OwnerKey).
		Order("created_at DESC, id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", q.Collection.Name)
	}

	res := &chatsync.ListResult{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: (int(total) + perPage - 1) / perPage,
		Items:      make([]chatsync.Entry, 0, len(rows)),
	}
	for _, r := range rows {
		res.Items = append(res.Items, r.entry())
	}
	return res, nil
}

// CreateEntry inserts d and notifies subscribers.
func (s *Store) CreateEntry(ctx context.Context, c chatsync.Collection, d chatsync.Draft) (*chatsync.Entry, error) {
	now := time.Now().UTC()
	r := Record{
		ID:         uuid.NewString(),
		Collection: c.Name,
		Owner:      d.ParentID,
		Content:    d.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	if st, ok := fields["status"].(string); ok {
		r.Status = st
		delete(fields, "status")
	}
	if err := r.setFields(fields); err != nil {
		return nil, err
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to create %s record", c.Name)
	}
	e := r.entry()
	s.broadcast(c.Name, chatsync.RecordEvent{Action: chatsync.ActionCreate, Record: e})
	return &e, nil
}

// UpdateEntry merges fields into the record id and notifies subscribers.
// The content and status keys update the matching columns.
func (s *Store) UpdateEntry(ctx context.Context, c chatsync.Collection, id string, fields map[string]any) (*chatsync.Entry, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	var r Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND collection = ?", id, c.Name).First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(ErrNotFound, "%s %s", c.Name, id)
			}
			return err
		}
		merged := r.fields()
		for k, v := range fields {
			switch k {
			case "content":
				r.Content, _ = v.(string)
			case "status":
				r.Status, _ = v.(string)
			case "id", "created":
			default:
				merged[k] = v
			}
		}
		if err := r.setFields(merged); err != nil {
			return err
		}
		r.UpdatedAt = time.Now().UTC()
		return tx.Save(&r).Error
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update %s %s", c.Name, id)
	}
	e := r.entry()
	s.broadcast(c.Name, chatsync.RecordEvent{Action: chatsync.ActionUpdate, Record: e})
	return &e, nil
}

// DeleteEntry removes the record id and notifies subscribers.
func (s *Store) DeleteEntry(ctx context.Context, c chatsync.Collection, id string) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	var r Record
	if err := s.db.WithContext(ctx).Where("id = ? AND collection = ?", id, c.Name).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrapf(ErrNotFound, "%s %s", c.Name, id)
		}
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&r).Error; err != nil {
		return errors.Wrapf(err, "failed to delete %s %s", c.Name, id)
	}
	s.broadcast(c.Name, chatsync.RecordEvent{Action: chatsync.ActionDelete, Record: r.entry()})
	return nil
}

// ── Subscriptions ────────────────────────────────────────

type subscription struct {
	store   *Store
	query   chatsync.SubscribeQuery
	onEvent func(chatsync.RecordEvent)
	once    sync.Once
}

func (sub *subscription) Unsubscribe() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()
	})
	return nil
}

// Subscribe delivers writes to q.OwnerKey's records of q.Collection.
func (s *Store) Subscribe(ctx context.Context, q chatsync.SubscribeQuery, onEvent func(chatsync.RecordEvent)) (chatsync.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{store: s, query: q, onEvent: onEvent}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) broadcast(collection string, ev chatsync.RecordEvent) {
	s.mu.Lock()
	var targets []*subscription
	for sub := range s.subs {
		if sub.query.Collection.Name == collection && sub.query.OwnerKey == ev.Record.ParentID {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.onEvent(chatsync.RecordEvent{Action: ev.Action, Record: ev.Record.Clone()})
	}
}

// ── Row mapping ──────────────────────────────────────────

func (r Record) fields() map[string]any {
	out := map[string]any{}
	if r.FieldsJSON == "" {
		return out
	}
	if err := json.Unmarshal([]byte(r.FieldsJSON), &out); err != nil {
		log.WithError(err).WithField("id", r.ID).Warn("ignoring unreadable record fields")
		return map[string]any{}
	}
	return out
}

func (r *Record) setFields(fields map[string]any) error {
	if len(fields) == 0 {
		r.FieldsJSON = "{}"
		return nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "failed to marshal record fields")
	}
	r.FieldsJSON = string(b)
	return nil
}

func (r Record) entry() chatsync.Entry {
	fields := r.fields()
	if len(fields) == 0 {
		fields = nil
	}
	return chatsync.Entry{
		ID:        r.ID,
		ParentID:  r.Owner,
		Content:   r.Content,
		Status:    chatsync.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Fields:    fields,
	}
}
