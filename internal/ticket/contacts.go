package ticket

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ContactCache maps reporter emails to helpdesk contact ids in a local
// sqlite file. It saves one search round-trip per returning reporter and
// keeps resolution working while the helpdesk search endpoint is flaky.
type ContactCache struct {
	db *sqlx.DB
}

// CachedContact is one row of the cache.
type CachedContact struct {
	Email     string    `db:"email"`
	ContactID string    `db:"contact_id"`
	Name      string    `db:"name"`
	Phone     string    `db:"phone"`
	UpdatedAt time.Time `db:"updated_at"`
}

// OpenContactCache opens (creating if needed) the cache at path and applies
// pending schema migrations.
func OpenContactCache(path string) (*ContactCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create contacts dir: %w", err)
	}
	if err := migrateContacts(path); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open contacts db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure contacts db: %w", err)
	}
	return &ContactCache{db: db}, nil
}

func migrateContacts(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate contacts db: %w", err)
	}
	return nil
}

// Lookup returns the cached contact for email, or nil when unseen.
func (c *ContactCache) Lookup(ctx context.Context, email string) (*CachedContact, error) {
	var row CachedContact
	err := c.db.GetContext(ctx, &row,
		"SELECT email, contact_id, name, phone, updated_at FROM contacts WHERE email = ?", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup contact %s: %w", email, err)
	}
	return &row, nil
}

// Save upserts the helpdesk resolution for a reporter.
func (c *ContactCache) Save(ctx context.Context, contact *Contact) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO contacts (email, contact_id, name, phone, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			contact_id = excluded.contact_id,
			name       = excluded.name,
			phone      = excluded.phone,
			updated_at = excluded.updated_at`,
		contact.Email, contact.ID, contact.Name, contact.Phone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save contact %s: %w", contact.Email, err)
	}
	return nil
}

// Size reports how many contacts are cached.
func (c *ContactCache) Size(ctx context.Context) (int, error) {
	var n int
	if err := c.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM contacts"); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (c *ContactCache) Close() error {
	return c.db.Close()
}
