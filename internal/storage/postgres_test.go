package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrpipe-worker/internal/batch"
	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native/nativetest"
	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
)

func TestSanitizeConfidence(t *testing.T) {
	assert.Equal(t, 0.9632, sanitizeConfidence(0.9632000000000001))
	assert.Equal(t, 0.0, sanitizeConfidence(-0.5))
	assert.Equal(t, 1.0, sanitizeConfidence(1.2))
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"text":"A\u0000B\u0007C"}`)
	assert.Equal(t, `{"text":"AB C"}`, string(sanitizeJSONForPostgres(in)))
}

func runReport(t *testing.T) *batch.BatchReport {
	t.Helper()
	lib := nativetest.New().FailPath("b.png", -21)
	lib.TextFor = func(native.Opcode, string) (string, float64) { return "A\x00B", 0.9632000000000001 }
	runner := batch.NewRunner(lib, batch.Options{OutputDir: "out", Logger: logging.NewLoggerTo(io.Discard, "Batch")})
	p := pipeline.MustNew("ocr",
		pipeline.Binarize{Method: pipeline.MethodOtsu, Threshold: pipeline.ThresholdAuto},
		pipeline.AreaOCR{Rect: pipeline.Rect{Width: 2, Height: 2}},
	)
	return runner.Run(context.Background(), batch.InputsFromPaths([]string{"a.png", "b.png"}), p, nil)
}

func TestItemRows(t *testing.T) {
	report := runReport(t)

	rows, err := ItemRows(report)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	ok := rows[0]
	assert.Equal(t, "a", ok.InputID)
	assert.Equal(t, "succeeded", ok.Status)
	assert.Equal(t, "out/a.png", ok.OutputPath)
	assert.True(t, ok.Confidence.Valid)
	assert.Equal(t, 0.9632, ok.Confidence.Float64)
	assert.False(t, ok.FailedStep.Valid)
	var recs []map[string]interface{}
	require.NoError(t, json.Unmarshal(ok.Recognitions, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "AB", recs[0]["text"])

	bad := rows[1]
	assert.Equal(t, "failed", bad.Status)
	assert.Equal(t, "BATCH_ITEM_FAILED", bad.ErrorKind)
	assert.Equal(t, int64(0), bad.FailedStep.Int64)
	assert.True(t, bad.FailedStep.Valid)
	assert.Equal(t, int64(-21), bad.NativeCode.Int64)
	assert.Equal(t, "[]", string(bad.Recognitions))
}

func TestPostgresRoundTrip(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	client, err := NewPostgresClient(url)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.EnsureSchema(ctx))

	report := runReport(t)
	jobID := uuid.New().String()
	require.NoError(t, client.UpdateJobStatus(ctx, &JobUpdate{
		JobID:    jobID,
		Status:   "processing",
		Pipeline: "ocr",
		Steps:    []string{"binarize", "area-ocr"},
		Total:    2,
		Metadata: map[string]interface{}{"source": "test"},
	}))
	require.NoError(t, client.UpdateJobStatus(ctx, &JobUpdate{
		JobID:     jobID,
		BatchID:   report.BatchID.String(),
		Status:    report.Status(),
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
	}))
	require.NoError(t, client.StoreItems(ctx, jobID, report))

	job, err := client.GetJobByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, []string{"binarize", "area-ocr"}, job["steps"])
	assert.Equal(t, 2, job["total"])
	assert.Equal(t, 1, job["failed"])
	assert.Equal(t, "test", job["metadata"].(map[string]interface{})["source"])
}
