package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type RepositoryFactory struct {
	db *bun.DB

	eventStore        *WebhookEventStore
	deadLetterStore   *DeadLetterStore
	retryTaskStore    *RetryTaskStore
	auditLogStore     *AuditLogStore
	subscriptionStore *SubscriptionStateStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB, such as a
// go-persistence-bun client.
func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.eventStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) EventStore() *WebhookEventStore {
	if f == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) DeadLetterStore() *DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) RetryTaskStore() *RetryTaskStore {
	if f == nil {
		return nil
	}
	return f.retryTaskStore
}

func (f *RepositoryFactory) AuditLogStore() *AuditLogStore {
	if f == nil {
		return nil
	}
	return f.auditLogStore
}

func (f *RepositoryFactory) SubscriptionStateStore() *SubscriptionStateStore {
	if f == nil {
		return nil
	}
	return f.subscriptionStore
}

func (f *RepositoryFactory) initStores() error {
	eventStore, err := NewWebhookEventStore(f.db)
	if err != nil {
		return err
	}
	deadLetterStore, err := NewDeadLetterStore(f.db)
	if err != nil {
		return err
	}
	retryTaskStore, err := NewRetryTaskStore(f.db)
	if err != nil {
		return err
	}
	auditLogStore, err := NewAuditLogStore(f.db)
	if err != nil {
		return err
	}
	subscriptionStore, err := NewSubscriptionStateStore(f.db)
	if err != nil {
		return err
	}
	f.eventStore = eventStore
	f.deadLetterStore = deadLetterStore
	f.retryTaskStore = retryTaskStore
	f.auditLogStore = auditLogStore
	f.subscriptionStore = subscriptionStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

// Open builds a bun database for postgres (lib/pq) or sqlite3 (go-sqlite3).
// SQLite connections are capped at one so writers serialise.
func Open(driver string, dsn string) (*bun.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pg":
		sqlDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
		}
		return bun.NewDB(sqlDB, pgdialect.New()), nil
	case "sqlite", "sqlite3":
		sqlDB, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		return bun.NewDB(sqlDB, sqlitedialect.New()), nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
}
