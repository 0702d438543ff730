package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config holds the tunables needed to open the storage adapter's connection
// pool. Unlike the rest of the scanner, the core does not read these from a
// package-level config singleton: they are passed in explicitly so the
// adapter can be constructed and tested without touching global state.
type Config struct {
	// Driver selects the relational backend: "sqlite", "postgres" or "mysql".
	Driver string
	// DSN is the driver-specific connection string. For sqlite it is a
	// file path (":memory:" is valid; empty means "reqscan.db").
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 80
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	return c
}

// Connection is the storage adapter (component D): it owns the connection
// pool and is the only thing in this package that talks to database/sql
// directly. Table creation for a scan prefix is EnsureScanTable; querying
// that table lives on the Queue that wraps it (see package queue).
type Connection struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Open establishes the connection pool described by cfg. It does not create
// any scan tables; that happens lazily, once per prefix, the first time a
// Queue is opened against this connection.
func Open(cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = "reqscan.db"
		}
		// An in-memory sqlite database exists per connection, so the pool
		// must collapse to a single connection or each conn sees its own
		// empty database.
		if path == ":memory:" {
			cfg.MaxOpenConns = 1
			cfg.MaxIdleConns = 1
		}
		dialector = sqlite.Open(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("db: no DSN provided for postgres")
		}
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("db: no DSN provided for mysql")
		}
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("db: unknown driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Silent,
				IgnoreRecordNotFoundError: true,
				ParameterizedQueries:      true,
			},
		),
	})
	if err != nil {
		return nil, wrapDatabaseError("open", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, wrapDatabaseError("open", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Connection{db: gdb, sqlDB: sqlDB}, nil
}

// DB returns the underlying gorm handle, scoped to ctx by callers via
// WithContext. Exposed for package queue, which needs raw/table-scoped
// queries that don't fit a generic repository method.
func (c *Connection) DB() *gorm.DB {
	return c.db
}

// Dialect reports the driver name in use ("sqlite", "postgres", "mysql").
func (c *Connection) Dialect() string {
	return c.db.Dialector.Name()
}

// Close closes the underlying connection pool.
func (c *Connection) Close() error {
	return c.sqlDB.Close()
}
