// Package store 提交流的持久化落点：操作日志（MySQL / Postgres）和共享授权（gorm）
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"realtimeCollab/backend/internal/collab"
	"realtimeCollab/backend/internal/ot"
)

// OpLog 按 (document_id, version) 追加已提交的操作，重复写入视为成功
type OpLog interface {
	Append(ctx context.Context, evt collab.CommitEvent) error
}

const MySQLOpLogSchema = `CREATE TABLE IF NOT EXISTS document_ops (
	document_id  VARCHAR(128) NOT NULL,
	version      BIGINT       NOT NULL,
	session_id   VARCHAR(64)  NOT NULL,
	op_type      VARCHAR(32)  NOT NULL,
	payload      JSON         NOT NULL,
	committed_at DATETIME(6)  NOT NULL,
	PRIMARY KEY (document_id, version)
)`

type MySQLOpLog struct{ db *sql.DB }

func NewMySQLOpLog(db *sql.DB) *MySQLOpLog {
	return &MySQLOpLog{db: db}
}

func (s *MySQLOpLog) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, MySQLOpLogSchema)
	return err
}

func (s *MySQLOpLog) Append(ctx context.Context, evt collab.CommitEvent) error {
	rows, err := opRows(evt)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO document_ops (document_id, version, session_id, op_type, payload, committed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			evt.DocumentID,
			r.version,
			evt.SessionID,
			r.opType,
			r.payload,
			evt.CommittedAt,
		)
		if err != nil {
			var mysqlErr *mysql.MySQLError
			// 1062 = duplicate key，重放的事件
			if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				continue
			}
			return fmt.Errorf("append op %s@%d: %w", evt.DocumentID, r.version, err)
		}
	}
	return tx.Commit()
}

// Since 读取 version > from 的操作，按版本升序
func (s *MySQLOpLog) Since(ctx context.Context, docID string, from int) ([]ot.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM document_ops WHERE document_id = ? AND version > ? ORDER BY version`,
		docID,
		from,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []ot.Operation
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var op ot.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("decode op of %s: %w", docID, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type opRow struct {
	version int
	opType  string
	payload []byte
}

func opRows(evt collab.CommitEvent) ([]opRow, error) {
	rows := make([]opRow, 0, len(evt.Operations))
	for i, op := range evt.Operations {
		version := op.Version
		if version == 0 {
			version = evt.BaseVersion + i + 1
		}
		payload, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("encode op %s@%d: %w", evt.DocumentID, version, err)
		}
		rows = append(rows, opRow{version: version, opType: string(op.Type), payload: payload})
	}
	return rows, nil
}
