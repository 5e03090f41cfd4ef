package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/camvisr/internal/history"
)

// Sink sends worker events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Schema returns the MergeTree DDL expected by Send for the given table.
func Schema(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		type String,
		occurred_at DateTime64(6),
		camera_id Int64,
		camera_name String,
		role LowCardinality(String),
		pid UInt32,
		started_at DateTime64(6),
		stopped_at Nullable(DateTime64(6)),
		exit_code Int32,
		exit_err String,
		reason String,
		uniq String
	) ENGINE = MergeTree()
	ORDER BY (camera_id, role, occurred_at)`
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureTable creates the history table when it does not exist yet.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, Schema(s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, camera_id, camera_name, role, pid, started_at, stopped_at, exit_code, exit_err, reason, uniq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	r := e.Record
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		r.CameraID,
		r.CameraName,
		r.Role,
		uint32(r.PID),
		r.StartedAt,
		r.StoppedAt,
		int32(r.ExitCode),
		r.ExitErr,
		r.Reason,
		r.Key(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
