package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nhbstable/core/events"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Entry is the persisted form of an engine event. Entries form a hash chain:
// Digest commits to PrevDigest and the entry's content.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	Account    string    `gorm:"size:42;index"`
	Attributes string    `gorm:"type:text"`
	EmittedAt  time.Time `gorm:"index"`
	PrevDigest string    `gorm:"size:64"`
	Digest     string    `gorm:"size:64;uniqueIndex"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of the struct name.
func (Entry) TableName() string { return "stable_events" }

// Journal appends committed engine events to a relational store. A single
// process owns the chain head; concurrent writers from other processes are
// not supported.
type Journal struct {
	db *gorm.DB

	mu   sync.Mutex
	seq  uint64
	head string
}

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection, migrates the schema and loads the chain
// head.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db}
	var last Entry
	err := db.Order("seq DESC").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: load head: %w", err)
	default:
		j.seq = last.Seq
		j.head = last.Digest
	}
	return j, nil
}

// Append implements events.Sink.
func (j *Journal) Append(record events.Record) error {
	if j == nil || j.db == nil {
		return errors.New("journal: not configured")
	}
	id, err := uuid.Parse(record.ID)
	if err != nil {
		id = uuid.New()
	}
	attrs, err := json.Marshal(record.Attributes)
	if err != nil {
		return fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	entry := Entry{
		ID:         id,
		Seq:        j.seq + 1,
		Type:       record.Type,
		Account:    accountOf(record.Attributes),
		Attributes: string(attrs),
		// Postgres keeps microseconds; truncate so digests survive a round trip.
		EmittedAt:  record.Timestamp.UTC().Truncate(time.Microsecond),
		PrevDigest: j.head,
	}
	entry.Digest = digestOf(&entry)
	if err := j.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	j.seq = entry.Seq
	j.head = entry.Digest
	return nil
}

// Head returns the sequence number and digest of the latest entry.
func (j *Journal) Head() (uint64, string) {
	if j == nil {
		return 0, ""
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.head
}

// Query filters journal reads. Zero values match everything.
type Query struct {
	Type    string
	Account string
	Since   time.Time
	Limit   int
}

func (q Query) apply(tx *gorm.DB) *gorm.DB {
	if t := strings.TrimSpace(q.Type); t != "" {
		tx = tx.Where("type = ?", t)
	}
	if account := strings.ToLower(strings.TrimSpace(q.Account)); account != "" {
		tx = tx.Where("account = ?", account)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("emitted_at >= ?", q.Since.UTC())
	}
	return tx
}

// List returns matching records, oldest first.
func (j *Journal) List(ctx context.Context, q Query) ([]events.Record, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("journal: not configured")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	var rows []Entry
	tx := q.apply(j.db.WithContext(ctx).Model(&Entry{}))
	if err := tx.Order("seq ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	out := make([]events.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (e Entry) record() (events.Record, error) {
	attrs := map[string]string{}
	if e.Attributes != "" {
		if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
			return events.Record{}, fmt.Errorf("journal: decode %s: %w", e.ID, err)
		}
	}
	return events.Record{
		ID:         e.ID.String(),
		Type:       e.Type,
		Attributes: attrs,
		Timestamp:  e.EmittedAt.UTC(),
	}, nil
}

// scan walks matching entries in sequence order, pageSize rows at a time.
func (j *Journal) scan(ctx context.Context, q Query, pageSize int, fn func(Entry) error) error {
	var after uint64
	for {
		var page []Entry
		tx := q.apply(j.db.WithContext(ctx).Model(&Entry{})).Where("seq > ?", after)
		if err := tx.Order("seq ASC").Limit(pageSize).Find(&page).Error; err != nil {
			return fmt.Errorf("journal: scan: %w", err)
		}
		for _, entry := range page {
			if err := fn(entry); err != nil {
				return err
			}
			after = entry.Seq
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// accountOf picks the position owner an event concerns.
func accountOf(attrs map[string]string) string {
	for _, key := range []string{"user", "onBehalfOf", "from"} {
		if v := strings.TrimSpace(attrs[key]); v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}
