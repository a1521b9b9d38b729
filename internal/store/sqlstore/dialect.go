package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL engines.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name   string
	Schema []string

	numbered bool // $1, $2, ... instead of ?
}

// SQLite is the dialect for modernc.org/sqlite.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: schemaFor(
		`seq INTEGER PRIMARY KEY AUTOINCREMENT`,
	),
}

// Postgres is the dialect for the pgx stdlib driver.
var Postgres = Dialect{
	Name:     "postgres",
	numbered: true,
	Schema: schemaFor(
		`seq BIGSERIAL PRIMARY KEY`,
	),
}

func (d Dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func schemaFor(seqColumn string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS entities (
            local_id        TEXT PRIMARY KEY,
            backend_id      TEXT,
            owner_id        TEXT NOT NULL,
            kind            TEXT NOT NULL,
            value           DOUBLE PRECISION NOT NULL DEFAULT 0,
            unit            TEXT NOT NULL DEFAULT '',
            start_time      BIGINT NOT NULL DEFAULT 0,
            end_time        BIGINT NOT NULL DEFAULT 0,
            stages          TEXT NOT NULL DEFAULT '[]',
            occurred_at     BIGINT NOT NULL,
            time_zone       TEXT NOT NULL DEFAULT '',
            sync_status     TEXT NOT NULL,
            source          TEXT NOT NULL,
            external_id     TEXT NOT NULL DEFAULT '',
            last_sync_error TEXT NOT NULL DEFAULT '',
            deleted         INTEGER NOT NULL DEFAULT 0,
            created_at      BIGINT NOT NULL,
            updated_at      BIGINT NOT NULL
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS entities_backend_id_idx ON entities(backend_id) WHERE backend_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS entities_bucket_idx ON entities(owner_id, kind, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS entities_status_idx ON entities(sync_status)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
            ` + seqColumn + `,
            event_id        TEXT NOT NULL UNIQUE,
            entity_local_id TEXT NOT NULL,
            kind            TEXT NOT NULL,
            operation       TEXT NOT NULL,
            status          TEXT NOT NULL,
            created_at      BIGINT NOT NULL,
            attempt_count   INTEGER NOT NULL DEFAULT 0,
            last_error      TEXT NOT NULL DEFAULT '',
            next_attempt_at BIGINT NOT NULL,
            leased_at       BIGINT NOT NULL DEFAULT 0,
            metadata        TEXT NOT NULL DEFAULT '{}'
        )`,
		`CREATE INDEX IF NOT EXISTS outbox_ready_idx ON outbox_events(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS outbox_entity_idx ON outbox_events(entity_local_id)`,
		`CREATE TABLE IF NOT EXISTS sync_states (
            owner_id          TEXT PRIMARY KEY,
            initial_sync_done INTEGER NOT NULL DEFAULT 0,
            version           INTEGER NOT NULL DEFAULT 0,
            last_full_sync_at BIGINT NOT NULL DEFAULT 0,
            updated_at        BIGINT NOT NULL
        )`,
	}
}
