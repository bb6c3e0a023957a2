// Package journal persists committed escrow state so a ledger can be restored
// after a restart.
package journal

import (
	"context"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"escrowledger/native/escrow"
	"escrowledger/storage"
)

// Store is a journal that can also replay what it recorded.
type Store interface {
	escrow.Journal
	Load(ctx context.Context) ([]*escrow.Escrow, error)
	LoadTransfers(ctx context.Context) ([]escrow.Transfer, error)
	Close() error
}

var (
	_ Store = (*KV)(nil)
	_ Store = (*SQL)(nil)
)

// Open selects a journal backend from url:
//
//	""                    in-memory key-value store
//	leveldb://<path>      LevelDB directory
//	sqlite://<dsn>        sqlite through gorm
//	postgres://...        PostgreSQL through gorm
func Open(url string) (Store, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "" || url == "memory://":
		return NewKV(storage.NewMemDB()), nil
	case strings.HasPrefix(url, "leveldb://"):
		db, err := storage.NewLevelDB(strings.TrimPrefix(url, "leveldb://"))
		if err != nil {
			return nil, fmt.Errorf("open leveldb journal: %w", err)
		}
		return NewKV(db), nil
	case strings.HasPrefix(url, "sqlite://"):
		return openSQL(sqlite.Open(strings.TrimPrefix(url, "sqlite://")))
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return openSQL(postgres.Open(url))
	default:
		return nil, fmt.Errorf("unsupported journal url %q", url)
	}
}

func openSQL(dialector gorm.Dialector) (*SQL, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sql journal: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate sql journal: %w", err)
	}
	return NewSQL(db), nil
}
