package cdr

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const defaultTable = "cdr"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// MySQLSink inserts one row per call.
type MySQLSink struct {
	db    *sql.DB
	table string
}

// NewMySQLSink connects to dsn and creates the table if it is missing.
func NewMySQLSink(ctx context.Context, dsn, table string) (*MySQLSink, error) {
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid cdr table name %q", table)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQLSink{db: db, table: table}
	if _, err := db.ExecContext(ctx, createTableSQL(table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return s, nil
}

func createTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		uuid VARCHAR(64) UNIQUE NOT NULL,
		channel_name VARCHAR(255),
		caller_id_name VARCHAR(100),
		caller_id_number VARCHAR(50),
		destination_number VARCHAR(50),
		network_addr VARCHAR(64),
		context VARCHAR(100),
		created_at TIMESTAMP(6) NULL,
		answered_at TIMESTAMP(6) NULL,
		hungup_at TIMESTAMP(6) NULL,
		duration INT DEFAULT 0,
		billsec INT DEFAULT 0,
		billmsec BIGINT DEFAULT 0,
		hangup_cause VARCHAR(50),
		hangup_cause_q850 INT,
		INDEX idx_created (created_at),
		INDEX idx_cause (hangup_cause)
	)`
}

func insertSQL(table string) string {
	return `INSERT INTO ` + table + ` (uuid, channel_name, caller_id_name, caller_id_number,
		destination_number, network_addr, context, created_at, answered_at, hungup_at,
		duration, billsec, billmsec, hangup_cause, hangup_cause_q850)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func insertArgs(r Record) []any {
	return []any{
		r.UUID, r.ChannelName, r.CallerIDName, r.CallerIDNumber,
		r.DestinationNumber, r.NetworkAddr, r.Context,
		nullTime(r.Created), nullTime(r.Answered), nullTime(r.Hungup),
		r.Duration, r.Billsec, r.Billmsec, r.HangupCause, r.HangupCauseQ850,
	}
}

func (s *MySQLSink) Name() string { return "mysql" }

func (s *MySQLSink) Write(ctx context.Context, r Record) error {
	if _, err := s.db.ExecContext(ctx, insertSQL(s.table), insertArgs(r)...); err != nil {
		return fmt.Errorf("insert cdr %s: %w", r.UUID, err)
	}
	return nil
}

func (s *MySQLSink) Close() error { return s.db.Close() }
