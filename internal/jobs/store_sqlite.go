package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore はジョブ状態を SQLite に保存します。単一ノードで再起動をまたいで状態を保持できます。
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

const recordColumns = `job_id, url, status, attempts, result_json, error_json,
  created_at, updated_at, started_at, finished_at, expires_at`

// sqliteOptions は API とワーカーが同じファイルを共有できるようにする接続設定です。
// 書き込みトランザクションは最初からロックを取り、競合時は busy_timeout まで待ちます。
const sqliteOptions = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// OpenSQLiteStore はデータベースを開き、テーブルを用意します。
func OpenSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+sqliteOptions)
	if err != nil {
		return nil, err
	}
	// プロセス内の書き込みは直列化する
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  url TEXT NOT NULL,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  result_json TEXT,
  error_json TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER NOT NULL DEFAULT 0,
  finished_at INTEGER NOT NULL DEFAULT 0,
  expires_at INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, ttl: ttl}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create はジョブ情報を新規保存します。
func (s *SQLiteStore) Create(ctx context.Context, record *Record) error {
	if err := prepareRecord(record, s.ttl, time.Now().UTC()); err != nil {
		return err
	}
	args, err := recordArgs(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return err
}

// Get はジョブ情報を取得します。
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE job_id = ?`, jobID)
	record, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	if record.expired(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return record, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, jobID string, attempt int) error {
	return s.update(ctx, jobID, markRunning(attempt))
}

func (s *SQLiteStore) MarkSucceeded(ctx context.Context, jobID string, result Result) error {
	return s.update(ctx, jobID, markSucceeded(result))
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, jobID string, errInfo ErrorInfo) error {
	return s.update(ctx, jobID, markFailed(errInfo))
}

// ListByStatus は指定状態のレコードを作成順に返します。
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !record.expired(now) {
			out = append(out, record)
		}
	}
	return out, rows.Err()
}

// DeleteExpired は期限切れのレコードを削除し、件数を返します。
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE expires_at > 0 AND expires_at <= ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) update(ctx context.Context, jobID string, mutate mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE job_id = ?`, jobID)
	record, err := scanRecord(row)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if record.expired(now) {
		return ErrNotFound
	}
	if err := mutate(record, now); err != nil {
		return err
	}

	resultJSON, errorJSON, err := encodeOutcome(record)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, result_json = ?, error_json = ?,
       updated_at = ?, started_at = ?, finished_at = ?
     WHERE job_id = ?`,
		string(record.Status),
		record.Attempts,
		resultJSON,
		errorJSON,
		record.UpdatedAt.UnixMilli(),
		unixMilli(record.StartedAt),
		unixMilli(record.FinishedAt),
		jobID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		jobID, url, status    string
		attempts              int
		resultJSON, errorJSON sql.NullString
		createdMs, updatedMs  int64
		startedMs, finishedMs int64
		expMs                 int64
	)
	if err := row.Scan(&jobID, &url, &status, &attempts, &resultJSON, &errorJSON,
		&createdMs, &updatedMs, &startedMs, &finishedMs, &expMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	record := &Record{
		JobID:      jobID,
		URL:        url,
		Status:     Status(status),
		Attempts:   attempts,
		CreatedAt:  fromUnixMilli(createdMs),
		UpdatedAt:  fromUnixMilli(updatedMs),
		StartedAt:  fromUnixMilli(startedMs),
		FinishedAt: fromUnixMilli(finishedMs),
		ExpiresAt:  fromUnixMilli(expMs),
	}
	if resultJSON.Valid {
		var result Result
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", jobID, err)
		}
		record.Result = &result
	}
	if errorJSON.Valid {
		var errInfo ErrorInfo
		if err := json.Unmarshal([]byte(errorJSON.String), &errInfo); err != nil {
			return nil, fmt.Errorf("decode error of %s: %w", jobID, err)
		}
		record.Error = &errInfo
	}
	return record, nil
}

func recordArgs(record *Record) ([]any, error) {
	resultJSON, errorJSON, err := encodeOutcome(record)
	if err != nil {
		return nil, err
	}
	return []any{
		record.JobID,
		record.URL,
		string(record.Status),
		record.Attempts,
		resultJSON,
		errorJSON,
		record.CreatedAt.UnixMilli(),
		record.UpdatedAt.UnixMilli(),
		unixMilli(record.StartedAt),
		unixMilli(record.FinishedAt),
		unixMilli(record.ExpiresAt),
	}, nil
}

func encodeOutcome(record *Record) (sql.NullString, sql.NullString, error) {
	var resultJSON, errorJSON sql.NullString
	if record.Result != nil {
		data, err := json.Marshal(record.Result)
		if err != nil {
			return resultJSON, errorJSON, err
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	if record.Error != nil {
		data, err := json.Marshal(record.Error)
		if err != nil {
			return resultJSON, errorJSON, err
		}
		errorJSON = sql.NullString{String: string(data), Valid: true}
	}
	return resultJSON, errorJSON, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
