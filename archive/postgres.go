// Package archive keeps every stored moisture reading in Postgres, beyond
// the day the EEPROM log holds.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gr-butler/irrigation/scheduler"
	"github.com/lib/pq"
	logger "github.com/sirupsen/logrus"
)

const DefaultTable = "moisture_readings"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Postgres struct {
	db     execer
	close  func() error
	insert string
}

// Open connects with dsn and creates the table if it is missing.
func Open(ctx context.Context, dsn, table string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive ping: %w", err)
	}
	p := newPostgres(db, table)
	p.close = db.Close
	if err := p.migrate(ctx, table); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Infof("Archiving readings to [%v]", table)
	return p, nil
}

func newPostgres(db execer, table string) *Postgres {
	if table == "" {
		table = DefaultTable
	}
	return &Postgres{
		db: db,
		insert: fmt.Sprintf(
			"INSERT INTO %s (taken_at, raw, moisture, manual) VALUES ($1, $2, $3, $4)",
			pq.QuoteIdentifier(table)),
	}
}

func (p *Postgres) migrate(ctx context.Context, table string) error {
	if table == "" {
		table = DefaultTable
	}
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id        BIGSERIAL PRIMARY KEY,
	taken_at  TIMESTAMPTZ NOT NULL,
	raw       DOUBLE PRECISION NOT NULL,
	moisture  SMALLINT NOT NULL,
	manual    BOOLEAN NOT NULL DEFAULT FALSE
)`, pq.QuoteIdentifier(table)))
	if err != nil {
		return fmt.Errorf("archive migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, r scheduler.Reading) error {
	_, err := p.db.ExecContext(ctx, p.insert, r.Time.UTC(), r.Raw, int16(r.Moisture), r.Manual)
	if err != nil {
		return fmt.Errorf("archive insert: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}
