// Package directory answers read-only questions against the SIP proxy's
// PostgreSQL database: whether a subscriber is provisioned and where a
// registered user can currently be reached. The proxy owns the schema;
// this package never writes to it.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Contact is one active registration binding from the proxy's location
// table.
type Contact struct {
	URI       string
	Received  string
	Expires   time.Time
	Q         float64
	UserAgent string
}

// Client queries the proxy directory. A nil Client is valid and answers
// permissively: every subscriber exists and nobody is registered. That
// keeps call routing and SMS delivery working when no directory DSN is
// configured.
type Client struct {
	db     *sql.DB
	domain string
}

// Open connects to the proxy's PostgreSQL database. domain narrows
// lookups for multi-domain proxies; leave it empty for single-domain
// deployments.
func Open(dsn, domain string) (*Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening proxy directory: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging proxy directory: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("proxy directory opened", "domain", domain)
	return &Client{db: db, domain: domain}, nil
}

// Close closes the underlying database connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// Configured reports whether a directory backend is attached.
func (c *Client) Configured() bool {
	return c != nil
}

// SubscriberExists reports whether username is provisioned on the proxy.
// Without a directory it reports true so routing stays permissive.
func (c *Client) SubscriberExists(ctx context.Context, username string) (bool, error) {
	if c == nil {
		return true, nil
	}

	query := `SELECT COUNT(*) FROM subscriber WHERE username = $1`
	args := []any{username}
	if c.domain != "" {
		query += ` AND domain = $2`
		args = append(args, c.domain)
	}

	var count int
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("querying subscriber: %w", err)
	}
	return count > 0, nil
}

// Contacts returns the active registration bindings for username,
// strongest preference first. An unregistered user yields an empty
// slice, as does a nil Client.
func (c *Client) Contacts(ctx context.Context, username string) ([]Contact, error) {
	if c == nil {
		return nil, nil
	}

	query := `SELECT contact, COALESCE(received, ''), expires, q, COALESCE(user_agent, '')
		 FROM location
		 WHERE username = $1 AND expires > NOW()`
	args := []any{username}
	if c.domain != "" {
		query += ` AND domain = $2`
		args = append(args, c.domain)
	}
	query += ` ORDER BY q DESC, expires DESC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying location: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var ct Contact
		if err := rows.Scan(&ct.URI, &ct.Received, &ct.Expires, &ct.Q, &ct.UserAgent); err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		contacts = append(contacts, ct)
	}
	return contacts, rows.Err()
}

// BestContact returns the URI of the strongest active binding for
// username, or "" when the user is unregistered or no directory is
// configured.
func (c *Client) BestContact(ctx context.Context, username string) (string, error) {
	contacts, err := c.Contacts(ctx, username)
	if err != nil || len(contacts) == 0 {
		return "", err
	}
	return contacts[0].URI, nil
}
