package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

func TestAsynqBrokerEnqueueSetsTaskOptions(t *testing.T) {
	mr := miniredis.RunT(t)
	broker, err := NewAsynqBroker("redis://"+mr.Addr(), 1, 3, 45*time.Minute, testLogger())
	if err != nil {
		t.Fatalf("NewAsynqBroker returned error: %v", err)
	}
	defer broker.Shutdown(context.Background())

	jobID := uuid.NewString()
	if err := broker.Enqueue(context.Background(), jobID); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	// 同じジョブIDの再投入は重複にならず成功扱い
	if err := broker.Enqueue(context.Background(), jobID); err != nil {
		t.Fatalf("second Enqueue returned error: %v", err)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer inspector.Close()

	info, err := inspector.GetTaskInfo(queueDownloads, jobID)
	if err != nil {
		t.Fatalf("GetTaskInfo returned error: %v", err)
	}
	if info.Type != taskTypeDownload {
		t.Fatalf("task type = %s, want %s", info.Type, taskTypeDownload)
	}
	if info.MaxRetry != 3 {
		t.Fatalf("max retry = %d, want 3", info.MaxRetry)
	}
	if info.Timeout != 45*time.Minute {
		t.Fatalf("timeout = %v, want 45m", info.Timeout)
	}
	var payload TaskPayload
	if err := json.Unmarshal(info.Payload, &payload); err != nil || payload.JobID != jobID {
		t.Fatalf("unexpected payload %q: %v", info.Payload, err)
	}
}

func TestAsynqBrokerRejectsEmptyJobID(t *testing.T) {
	mr := miniredis.RunT(t)
	broker, err := NewAsynqBroker("redis://"+mr.Addr(), 1, 0, 0, testLogger())
	if err != nil {
		t.Fatalf("NewAsynqBroker returned error: %v", err)
	}
	defer broker.Shutdown(context.Background())

	if err := broker.Enqueue(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty job id")
	}
}
