package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// rowsPerStatement keeps a multi-row upsert well under the 65535 bind
// parameter limit.
const rowsPerStatement = 1000

const sampleColumns = 10

// Schema creates the ingest tables. (uuid, type) is the idempotency key.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	secret_hash TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS devices_user_id_idx ON devices (user_id);

CREATE TABLE IF NOT EXISTS samples (
	uuid        TEXT NOT NULL,
	type        TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	unit        TEXT,
	start_at    TIMESTAMPTZ NOT NULL,
	end_at      TIMESTAMPTZ NOT NULL,
	value_num   DOUBLE PRECISION,
	value_text  TEXT,
	metadata    JSONB,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (uuid, type)
);
CREATE INDEX IF NOT EXISTS samples_user_type_start_idx ON samples (user_id, type, start_at);
`

// PostgresStore implements the ingest and device repositories on Postgres.
// Both the "postgres" (lib/pq) and "pgx" drivers are registered.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// OpenPostgres opens and pings a database using driver ("postgres" or "pgx").
func OpenPostgres(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "", "postgres":
		driver = "postgres"
	case "pgx":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

func (p *PostgresStore) Name() string { return "postgres" }

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Apply(ctx context.Context, userID, deviceID string, samples []domain.Sample, deletions []domain.DeletionRef) (res domain.IngestResult, err error) {
	if len(samples) == 0 && len(deletions) == 0 {
		return domain.IngestResult{OK: true}, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// A multi-row ON CONFLICT statement must not touch one row twice.
	samples = domain.LatestByKey(samples)
	now := p.now().UTC()
	for start := 0; start < len(samples); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(samples))
		inserted, updated, uerr := p.upsert(ctx, tx, userID, deviceID, samples[start:end], now)
		if uerr != nil {
			return domain.IngestResult{}, uerr
		}
		res.Inserted += inserted
		res.Updated += updated
	}

	if len(deletions) > 0 {
		stmt, perr := tx.PrepareContext(ctx, "DELETE FROM samples WHERE uuid = $1 AND type = $2 AND user_id = $3")
		if perr != nil {
			return domain.IngestResult{}, fmt.Errorf("prepare delete: %w", perr)
		}
		defer stmt.Close()
		for _, d := range deletions {
			r, derr := stmt.ExecContext(ctx, d.Identity, string(d.Stream), userID)
			if derr != nil {
				return domain.IngestResult{}, fmt.Errorf("delete %s/%s: %w", d.Stream, d.Identity, derr)
			}
			n, _ := r.RowsAffected()
			res.Deleted += int(n)
		}
	}

	if err = tx.Commit(); err != nil {
		return domain.IngestResult{}, fmt.Errorf("commit: %w", err)
	}
	res.OK = true
	return res, nil
}

func (p *PostgresStore) upsert(ctx context.Context, tx *sql.Tx, userID, deviceID string, samples []domain.Sample, now time.Time) (inserted, updated int, err error) {
	var b strings.Builder
	b.WriteString("INSERT INTO samples (uuid, type, user_id, device_id, unit, start_at, end_at, value_num, value_text, metadata) VALUES ")

	args := make([]any, 0, len(samples)*sampleColumns)
	for i, s := range samples {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= sampleColumns; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c)
		}
		b.WriteString(")")

		num, text := splitValue(s.Value)
		meta, merr := metadataJSON(s.Metadata)
		if merr != nil {
			return 0, 0, fmt.Errorf("metadata %s/%s: %w", s.Stream, s.Identity, merr)
		}
		args = append(args,
			s.Identity,
			string(s.Stream),
			userID,
			deviceID,
			nullString(s.Unit),
			s.Start.UTC(),
			s.End.UTC(),
			num,
			text,
			meta,
		)
	}

	b.WriteString(" ON CONFLICT (uuid, type) DO UPDATE SET")
	b.WriteString(" device_id = EXCLUDED.device_id, unit = EXCLUDED.unit, start_at = EXCLUDED.start_at,")
	b.WriteString(" end_at = EXCLUDED.end_at, value_num = EXCLUDED.value_num, value_text = EXCLUDED.value_text,")
	fmt.Fprintf(&b, " metadata = EXCLUDED.metadata, updated_at = $%d", len(args)+1)
	b.WriteString(" WHERE samples.user_id = EXCLUDED.user_id")
	b.WriteString(" RETURNING (xmax = 0) AS inserted")
	args = append(args, now)

	rows, err := tx.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert samples: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fresh bool
		if err := rows.Scan(&fresh); err != nil {
			return 0, 0, fmt.Errorf("scan upsert: %w", err)
		}
		if fresh {
			inserted++
		} else {
			updated++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("upsert samples: %w", err)
	}
	return inserted, updated, nil
}

func (p *PostgresStore) CreateDevice(ctx context.Context, d domain.Device) error {
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO devices (id, user_id, name, secret_hash, created_at) VALUES ($1,$2,$3,$4,$5)",
		d.ID, d.UserID, d.Name, d.SecretHash, d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

func (p *PostgresStore) FindDevice(ctx context.Context, id string) (domain.Device, error) {
	var d domain.Device
	err := p.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, secret_hash, created_at FROM devices WHERE id = $1", id).
		Scan(&d.ID, &d.UserID, &d.Name, &d.SecretHash, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, ports.ErrDeviceNotFound
	}
	if err != nil {
		return domain.Device{}, fmt.Errorf("find device: %w", err)
	}
	return d, nil
}

// splitValue stores numeric-looking text as a number, like the mobile client
// expects when reading back.
func splitValue(v domain.Value) (any, any) {
	if f, ok := v.Float(); ok {
		return f, nil
	}
	return nil, v.Text
}

func metadataJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ ports.IngestRepository = (*PostgresStore)(nil)
	_ ports.DeviceRepository = (*PostgresStore)(nil)
)
