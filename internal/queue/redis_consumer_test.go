package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native/nativetest"
)

func TestRedisJobDataDecodesProducerPayload(t *testing.T) {
	raw := `{
		"id": "7d1f0c7e-3f7e-4a53-9d38-0d4c1c9b3f11",
		"type": "ocr:process-batch",
		"createdAt": "2026-10-01T09:30:00Z",
		"attempts": 1,
		"maxRetries": 3,
		"payload": {
			"jobId": "7d1f0c7e-3f7e-4a53-9d38-0d4c1c9b3f11",
			"steps": [{"op": "binarize", "method": "adaptive"}, {"op": "ocr", "rect": {"x": 0, "y": 0, "width": 40, "height": 10}, "char_types": ["digits"]}],
			"inputs": ["/data/scan-001.tif"]
		}
	}`

	var job RedisJobData
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	assert.Equal(t, 3, job.MaxRetries)
	require.NoError(t, job.Payload.Validate())
	require.Len(t, job.Payload.Steps, 2)
	assert.Equal(t, "adaptive", job.Payload.Steps[0].Method)
	assert.Equal(t, []string{"digits"}, job.Payload.Steps[1].CharTypes)
}

func TestRedisConsumerEndToEnd(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)

	queue := "ocrpipe:test:" + uuid.NewString()
	lib := nativetest.New()
	c, err := NewRedisConsumerWithClient(client, &RedisConsumerConfig{
		QueueName:   queue,
		Handler:     newHandler(t, lib, nil, 0),
		PollTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	events := client.Subscribe(ctx, queue+":events")
	_, err = events.Receive(ctx)
	require.NoError(t, err)

	job := newJob("a.png", "b.png")
	require.NoError(t, c.Submit(ctx, job, 1))
	require.NoError(t, c.Start())

	var progress int
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case msg := <-events.Channel():
			var ev Event
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
			switch ev.Event {
			case "job:progress":
				progress++
			case "job:completed":
				done = true
			}
		case <-deadline:
			t.Fatal("job did not complete")
		}
	}
	require.NoError(t, events.Close())

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, progress)
	assert.Equal(t, int64(1), stats["completed"])

	cleanup := redis.NewClient(opt)
	defer cleanup.Close()
	require.NoError(t, c.Stop())
	cleanup.Del(ctx, queue, queue+":data", queue+":processing", queue+":completed", queue+":results")
}
