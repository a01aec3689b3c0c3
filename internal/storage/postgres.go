/**
 * PostgreSQL Client for the OCR pipeline worker
 *
 * Handles database operations for batch job tracking and per-item results.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/ocrpipe-worker/internal/batch"
)

// Schema creates the tables used by the worker. It is idempotent.
const Schema = `
CREATE SCHEMA IF NOT EXISTS ocrpipe;

CREATE TABLE IF NOT EXISTS ocrpipe.batch_runs (
	id                 uuid PRIMARY KEY,
	batch_id           uuid,
	pipeline           text NOT NULL DEFAULT '',
	steps              text[] NOT NULL DEFAULT '{}',
	status             text NOT NULL,
	total              integer NOT NULL DEFAULT 0,
	succeeded          integer NOT NULL DEFAULT 0,
	failed             integer NOT NULL DEFAULT 0,
	error_code         text,
	error_message      text,
	processing_time_ms bigint,
	metadata           jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at         timestamptz NOT NULL DEFAULT NOW(),
	updated_at         timestamptz NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ocrpipe.batch_items (
	job_id        uuid NOT NULL REFERENCES ocrpipe.batch_runs(id) ON DELETE CASCADE,
	item_index    integer NOT NULL,
	input_id      text NOT NULL,
	status        text NOT NULL,
	output_path   text,
	failed_step   integer,
	native_code   integer,
	error_kind    text,
	error_message text,
	confidence    NUMERIC(5,4),
	recognitions  jsonb NOT NULL DEFAULT '[]'::jsonb,
	duration_ms   bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, item_index)
);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a batch status update
type JobUpdate struct {
	JobID            string
	BatchID          string
	Status           string
	Pipeline         string
	Steps            []string
	Total            int
	Succeeded        int
	Failed           int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// ItemRow is the stored form of one batch item.
type ItemRow struct {
	Index        int
	InputID      string
	Status       string
	OutputPath   string
	FailedStep   sql.NullInt64
	NativeCode   sql.NullInt64
	ErrorKind    string
	ErrorMessage string
	Confidence   sql.NullFloat64
	Recognitions []byte
	DurationMs   int64
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to [0.0, 1.0]
// so it fits the NUMERIC(5,4) column.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences that JSONB rejects. OCR
// output occasionally contains NUL and other control characters.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the worker tables if they do not exist
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the batch run row. Counters and the step list only
// overwrite stored values when set.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	var metadataJSON []byte
	if update.Metadata != nil {
		data, err := json.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = sanitizeJSONForPostgres(data)
	}

	query := `
		INSERT INTO ocrpipe.batch_runs (
			id, batch_id, pipeline, steps, status,
			total, succeeded, failed, processing_time_ms,
			error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid,
			CASE WHEN $2 = '' THEN NULL ELSE $2::uuid END,
			$3, COALESCE($4::text[], '{}'), $5,
			$6, $7, $8, NULLIF($9, 0),
			NULLIF($10, ''), NULLIF($11, ''),
			COALESCE($12::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			batch_id = COALESCE(EXCLUDED.batch_id, ocrpipe.batch_runs.batch_id),
			pipeline = COALESCE(NULLIF(EXCLUDED.pipeline, ''), ocrpipe.batch_runs.pipeline),
			steps = CASE WHEN cardinality(EXCLUDED.steps) > 0 THEN EXCLUDED.steps ELSE ocrpipe.batch_runs.steps END,
			total = GREATEST(EXCLUDED.total, ocrpipe.batch_runs.total),
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ocrpipe.batch_runs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = ocrpipe.batch_runs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var steps interface{}
	if len(update.Steps) > 0 {
		steps = pq.Array(update.Steps)
	}

	var returnedID string
	err := p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,
		update.BatchID,
		update.Pipeline,
		steps,
		update.Status,
		update.Total,
		update.Succeeded,
		update.Failed,
		update.ProcessingTimeMs,
		update.ErrorCode,
		update.ErrorMessage,
		metadataJSON,
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}

	return nil
}

// StoreItems replaces the item rows of a job with the items of report, in
// one transaction.
func (p *PostgresClient) StoreItems(ctx context.Context, jobID string, report *batch.BatchReport) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	rows, err := ItemRows(report)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ocrpipe.batch_items WHERE job_id = $1::uuid`, jobID); err != nil {
		return fmt.Errorf("failed to clear items for job %s: %w", jobID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ocrpipe.batch_items (
			job_id, item_index, input_id, status, output_path,
			failed_step, native_code, error_kind, error_message,
			confidence, recognitions, duration_ms
		) VALUES (
			$1::uuid, $2, $3, $4, NULLIF($5, ''),
			$6, $7, NULLIF($8, ''), NULLIF($9, ''),
			$10::NUMERIC(5,4), $11::jsonb, $12
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			jobID, r.Index, r.InputID, r.Status, r.OutputPath,
			r.FailedStep, r.NativeCode, r.ErrorKind, r.ErrorMessage,
			r.Confidence, r.Recognitions, r.DurationMs,
		); err != nil {
			return fmt.Errorf("failed to store item %s of job %s: %w", r.InputID, jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit items for job %s: %w", jobID, err)
	}
	return nil
}

// ItemRows flattens the attempted items of report into storable rows.
func ItemRows(report *batch.BatchReport) ([]ItemRow, error) {
	failures := make(map[int]batch.ItemError, len(report.Errors))
	for _, e := range report.Errors {
		failures[e.Index] = e
	}

	rows := make([]ItemRow, 0, len(report.Items))
	for i, item := range report.Items {
		row := ItemRow{
			Index:        i,
			InputID:      item.InputID,
			Status:       "succeeded",
			DurationMs:   item.Duration.Milliseconds(),
			Recognitions: []byte("[]"),
		}
		if res := item.Result; res != nil {
			row.OutputPath = res.OutputPath
			if len(res.Recognitions) > 0 {
				var sum float64
				for _, rec := range res.Recognitions {
					sum += rec.Confidence
				}
				row.Confidence = sql.NullFloat64{Float64: sanitizeConfidence(sum / float64(len(res.Recognitions))), Valid: true}

				data, err := json.Marshal(res.Recognitions)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal recognitions of %s: %w", item.InputID, err)
				}
				row.Recognitions = sanitizeJSONForPostgres(data)
			}
		}
		if fail, ok := failures[i]; ok {
			row.Status = "failed"
			row.ErrorKind = string(fail.Kind)
			row.ErrorMessage = fail.Message
			if fail.Step >= 0 {
				row.FailedStep = sql.NullInt64{Int64: int64(fail.Step), Valid: true}
			}
			if fail.HasNativeCode {
				row.NativeCode = sql.NullInt64{Int64: int64(fail.NativeCode), Valid: true}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GetJobByID retrieves a batch run by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, pipeline, steps, status,
			total, succeeded, failed,
			processing_time_ms, error_code, error_message,
			metadata, created_at, updated_at
		FROM ocrpipe.batch_runs
		WHERE id = $1::uuid
	`

	var (
		id, pipelineName, status string
		steps                    pq.StringArray
		total, succeeded, failed int
		processingTimeMs         sql.NullInt64
		errorCode, errorMessage  sql.NullString
		metadataJSON             []byte
		createdAt, updatedAt     time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &pipelineName, &steps, &status,
		&total, &succeeded, &failed,
		&processingTimeMs, &errorCode, &errorMessage,
		&metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"pipeline":  pipelineName,
		"steps":     []string(steps),
		"status":    status,
		"total":     total,
		"succeeded": succeeded,
		"failed":    failed,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
