// Package archive copies closed events from the blackboard to Postgres so
// history outlives the blackboard's retention window, and answers the
// brain's deep-memory queries from it.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/darwin-ops/brain/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Archive is the Postgres store of closed events.
type Archive struct {
	pool *pgxpool.Pool
}

// New connects, runs migrations, and returns a ready Archive.
func New(ctx context.Context, dsn string) (*Archive, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("failed to run archive migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach archive database: %w", err)
	}
	slog.Info("Archive database connected")
	return &Archive{pool: pool}, nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// Ping reports archive database reachability.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// StoreEvent upserts an event document. Idempotent: re-archiving a closed
// event overwrites the row with the latest document.
func (a *Archive) StoreEvent(ctx context.Context, e *models.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", e.ID, err)
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO archived_events (id, source, service, status, reason, severity, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			archived_at = now()`,
		e.ID, string(e.Source), e.Service, string(e.Status),
		e.Input.Reason, e.Input.Severity, doc, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to archive event %s: %w", e.ID, err)
	}
	return nil
}

// GetEvent loads an archived event document.
func (a *Archive) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var doc []byte
	err := a.pool.QueryRow(ctx,
		`SELECT document FROM archived_events WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		return nil, err
	}
	var e models.Event
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("failed to decode archived event %s: %w", id, err)
	}
	return &e, nil
}

// memoryRow is one hit returned to the model.
type memoryRow struct {
	id       string
	service  string
	reason   string
	status   string
	created  time.Time
	closeOut string
}

// ServiceLookup summarizes recent archived events for a service. Serves
// the lookup_service tool.
func (a *Archive) ServiceLookup(ctx context.Context, name string) (string, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, service, reason, status, created_at,
		       COALESCE(document #>> '{conversation,-1,result}', '')
		FROM archived_events
		WHERE service = $1
		ORDER BY created_at DESC
		LIMIT 5`, name)
	if err != nil {
		return "", fmt.Errorf("service lookup failed: %w", err)
	}
	defer rows.Close()

	hits, err := collectRows(rows)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no archived history for service " + name, nil
	}
	return renderHits("recent history for "+name, hits), nil
}

// ConsultMemory runs a full-text search over archived events. Serves the
// consult_deep_memory tool.
func (a *Archive) ConsultMemory(ctx context.Context, query string) (string, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, service, reason, status, created_at,
		       COALESCE(document #>> '{conversation,-1,result}', '')
		FROM archived_events
		WHERE to_tsvector('english', reason || ' ' || (document::text))
		      @@ plainto_tsquery('english', $1)
		ORDER BY created_at DESC
		LIMIT 5`, query)
	if err != nil {
		return "", fmt.Errorf("memory search failed: %w", err)
	}
	defer rows.Close()

	hits, err := collectRows(rows)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no similar past incidents found", nil
	}
	return renderHits("similar past incidents", hits), nil
}

func collectRows(rows pgx.Rows) ([]memoryRow, error) {
	var hits []memoryRow
	for rows.Next() {
		var r memoryRow
		if err := rows.Scan(&r.id, &r.service, &r.reason, &r.status, &r.created, &r.closeOut); err != nil {
			return nil, err
		}
		hits = append(hits, r)
	}
	return hits, rows.Err()
}

func renderHits(header string, hits []memoryRow) string {
	var b strings.Builder
	b.WriteString(header + ":\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- [%s] %s (%s, %s): %s",
			h.created.Format("2006-01-02"), h.reason, h.service, h.status, truncate(h.closeOut, 200))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Disabled is the Memory implementation used when no archive database is
// configured.
type Disabled struct{}

func (Disabled) ServiceLookup(context.Context, string) (string, error) {
	return "archive is not configured; no service history available", nil
}

func (Disabled) ConsultMemory(context.Context, string) (string, error) {
	return "archive is not configured; no deep memory available", nil
}
