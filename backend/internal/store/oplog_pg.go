package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"realtimeCollab/backend/internal/collab"
)

const PostgresOpLogSchema = `CREATE TABLE IF NOT EXISTS document_ops (
	document_id  TEXT        NOT NULL,
	version      BIGINT      NOT NULL,
	session_id   TEXT        NOT NULL,
	op_type      TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, version)
)`

// pgExecer *pgxpool.Pool 和 pgx.Tx 都满足
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresOpLog struct{ db pgExecer }

func NewPostgresOpLog(db pgExecer) *PostgresOpLog {
	return &PostgresOpLog{db: db}
}

func (s *PostgresOpLog) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, PostgresOpLogSchema)
	return err
}

// Append 一条多行 INSERT，冲突的版本直接跳过
func (s *PostgresOpLog) Append(ctx context.Context, evt collab.CommitEvent) error {
	rows, err := opRows(evt)
	if err != nil || len(rows) == 0 {
		return err
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(rows)*6)
	)
	sb.WriteString(`INSERT INTO document_ops (document_id, version, session_id, op_type, payload, committed_at) VALUES `)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, evt.DocumentID, r.version, evt.SessionID, r.opType, string(r.payload), evt.CommittedAt)
	}
	sb.WriteString(` ON CONFLICT (document_id, version) DO NOTHING`)

	if _, err := s.db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("append ops %s@%d: %w", evt.DocumentID, evt.Version, err)
	}
	return nil
}
