package learn

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RFC3339 at second precision sorts lexically, which the retention queries
// rely on.
const timeLayout = time.RFC3339

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// Open opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory if it does not exist.
func Open(path string) (*SqlStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableCount == 0 {
		if _, err := s.db.Exec(schemaV1); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersionV1); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	}
	var v int
	if err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != schemaVersionV1 {
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

func (s *SqlStore) Close() error { return s.db.Close() }

// --- Assessments ---

func (s *SqlStore) SaveAssessment(a *QualityAssessment) error {
	if a == nil {
		return errors.New("assessment is nil")
	}
	reasons, err := json.Marshal(a.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	now := nowUTC().Format(timeLayout)
	_, err = s.db.Exec(
		`INSERT INTO quality_assessments(prompt_id, artifact_path, score, passes, reasons, metrics, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(prompt_id) DO UPDATE SET
		   artifact_path = excluded.artifact_path,
		   score         = excluded.score,
		   passes        = excluded.passes,
		   reasons       = excluded.reasons,
		   metrics       = excluded.metrics,
		   updated_at    = excluded.updated_at`,
		a.PromptID, nilIfEmpty(a.ArtifactPath), a.Score, boolToInt(a.Passes),
		string(reasons), nilIfEmpty(a.MetricsJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert assessment: %w", err)
	}
	return nil
}

func (s *SqlStore) GetAssessment(promptID string) (*QualityAssessment, error) {
	var a QualityAssessment
	var path, reasons, metrics sql.NullString
	var passes int
	var createdAt, updatedAt string
	err := s.db.QueryRow(
		`SELECT prompt_id, artifact_path, score, passes, reasons, metrics, created_at, updated_at
		 FROM quality_assessments WHERE prompt_id = ?`, promptID,
	).Scan(&a.PromptID, &path, &a.Score, &passes, &reasons, &metrics, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	a.ArtifactPath = nullStr(path)
	a.Passes = passes == 1
	a.MetricsJSON = nullStr(metrics)
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &a.Reasons); err != nil {
			return nil, fmt.Errorf("unmarshal reasons: %w", err)
		}
	}
	a.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	a.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &a, nil
}

// --- Best-known parameter sets ---

// UpsertBest runs the higher-score-wins comparison inside a transaction so
// concurrent writers for one fingerprint serialize on the row.
func (s *SqlStore) UpsertBest(promptHash string, params map[string]any, score float64) (bool, error) {
	blob, err := json.Marshal(params)
	if err != nil {
		return false, fmt.Errorf("marshal parameters: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowUTC().Format(timeLayout)
	var current float64
	err = tx.QueryRow(
		"SELECT quality_score FROM successful_workflows WHERE prompt_hash = ?", promptHash,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(
			`INSERT INTO successful_workflows(prompt_hash, parameters, quality_score, sample_count, updated_at)
			 VALUES(?, ?, ?, 1, ?)`,
			promptHash, string(blob), score, now,
		); err != nil {
			return false, fmt.Errorf("insert best: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit upsert: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("read best: %w", err)
	}

	if score > current {
		if _, err := tx.Exec(
			`UPDATE successful_workflows
			 SET parameters = ?, quality_score = ?, sample_count = sample_count + 1, updated_at = ?
			 WHERE prompt_hash = ?`,
			string(blob), score, now, promptHash,
		); err != nil {
			return false, fmt.Errorf("update best: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit upsert: %w", err)
		}
		return true, nil
	}

	// Losing write: advance the sample count only.
	if _, err := tx.Exec(
		`UPDATE successful_workflows SET sample_count = sample_count + 1, updated_at = ? WHERE prompt_hash = ?`,
		now, promptHash,
	); err != nil {
		return false, fmt.Errorf("touch best: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	return false, nil
}

func (s *SqlStore) BestParameters(promptHash string) (*WorkflowParameterSet, error) {
	var b WorkflowParameterSet
	var blob, updatedAt string
	err := s.db.QueryRow(
		`SELECT prompt_hash, parameters, quality_score, sample_count, updated_at
		 FROM successful_workflows WHERE prompt_hash = ?`, promptHash,
	).Scan(&b.PromptHash, &blob, &b.QualityScore, &b.SampleCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get best: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &b.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	b.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &b, nil
}

// --- Failed workflows ---

func (s *SqlStore) RecordFailure(promptHash string, params map[string]any, reasons []string) error {
	blob, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	reasonBlob, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO failed_workflows(prompt_hash, parameters, reasons, created_at) VALUES(?, ?, ?, ?)`,
		promptHash, string(blob), string(reasonBlob), nowUTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

func (s *SqlStore) RecentFailures(promptHash string) ([]*FailedWorkflow, error) {
	cutoff := nowUTC().Add(-FailedRetention).Format(timeLayout)
	rows, err := s.db.Query(
		`SELECT prompt_hash, parameters, reasons, created_at
		 FROM failed_workflows WHERE prompt_hash = ? AND created_at > ? ORDER BY id`,
		promptHash, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()
	var out []*FailedWorkflow
	for rows.Next() {
		var f FailedWorkflow
		var params, reasons, createdAt string
		if err := rows.Scan(&f.PromptHash, &params, &reasons, &createdAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &f.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
		if reasons != "" {
			if err := json.Unmarshal([]byte(reasons), &f.Reasons); err != nil {
				return nil, fmt.Errorf("unmarshal reasons: %w", err)
			}
		}
		f.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// --- Corrections ---

func (s *SqlStore) SaveCorrection(rec *CorrectionRecord) error {
	if rec == nil {
		return errors.New("correction record is nil")
	}
	if rec.OriginalArtifactID == rec.CorrectedArtifactID {
		return errors.New("correction record cannot be self-referential")
	}
	blob, err := json.Marshal(rec.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	applied := rec.AppliedAt
	if applied.IsZero() {
		applied = nowUTC()
	}
	_, err = s.db.Exec(
		`INSERT INTO workflow_corrections(id, original_artifact_id, corrected_artifact_id, parameters, applied_at)
		 VALUES(?, ?, ?, ?, ?)`,
		rec.ID, rec.OriginalArtifactID, rec.CorrectedArtifactID, string(blob), applied.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	return nil
}

func (s *SqlStore) CorrectionsFor(originalArtifactID string) ([]*CorrectionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, original_artifact_id, corrected_artifact_id, parameters, applied_at
		 FROM workflow_corrections WHERE original_artifact_id = ? ORDER BY applied_at`,
		originalArtifactID,
	)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()
	var out []*CorrectionRecord
	for rows.Next() {
		var c CorrectionRecord
		var params, appliedAt string
		if err := rows.Scan(&c.ID, &c.OriginalArtifactID, &c.CorrectedArtifactID, &params, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &c.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
		c.AppliedAt, _ = time.Parse(timeLayout, appliedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Alerts ---

func (s *SqlStore) RaiseAlert(alert *PerformanceAlert) error {
	if alert == nil {
		return errors.New("alert is nil")
	}
	var snapshot any
	if alert.Snapshot != nil {
		blob, err := json.Marshal(alert.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		snapshot = string(blob)
	}
	created := alert.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO performance_alerts(alert_type, message, snapshot, created_at) VALUES(?, ?, ?, ?)`,
		alert.AlertType, alert.Message, snapshot, created.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *SqlStore) ListAlerts(limit int) ([]*PerformanceAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT alert_type, message, snapshot, created_at
		 FROM performance_alerts ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []*PerformanceAlert
	for rows.Next() {
		var a PerformanceAlert
		var snapshot sql.NullString
		var createdAt string
		if err := rows.Scan(&a.AlertType, &a.Message, &snapshot, &createdAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if snapshot.Valid && snapshot.String != "" {
			if err := json.Unmarshal([]byte(snapshot.String), &a.Snapshot); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot: %w", err)
			}
		}
		a.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- Retention ---

func (s *SqlStore) PruneExpired(now time.Time) (int64, error) {
	var removed int64
	res, err := s.db.Exec(
		"DELETE FROM failed_workflows WHERE created_at <= ?",
		now.Add(-FailedRetention).Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune failed workflows: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	res, err = s.db.Exec(
		"DELETE FROM successful_workflows WHERE updated_at <= ?",
		now.Add(-SuccessfulRetention).Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune successful workflows: %w", err)
	}
	n, _ = res.RowsAffected()
	removed += n
	return removed, nil
}

// --- nil helpers for optional SQL params ---

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
