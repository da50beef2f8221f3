package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/faceblur/orchestrator/internal/model"
)

func waitForSubscribers(t *testing.T, h *Hub, executionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.Subscribers(executionID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers of %s = %d, want %d", executionID, h.Subscribers(executionID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.Send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message for %s", c.ExecutionID)
		return nil
	}
}

func TestHubRoutesByExecution(t *testing.T) {
	h := NewHub()
	go h.Run()

	a := &Client{ExecutionID: "exec-1", Send: make(chan []byte, 4)}
	b := &Client{ExecutionID: "exec-2", Send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)
	waitForSubscribers(t, h, "exec-1", 1)
	waitForSubscribers(t, h, "exec-2", 1)

	status := model.JobStatusInProgress
	h.BroadcastProgress(&model.Execution{ID: "exec-1", State: model.StateWaiting, StatusChecks: 2, LastStatus: &status})

	var progress model.WSProgressMessage
	if err := json.Unmarshal(receive(t, a), &progress); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if progress.Type != model.WSMessageTypeProgress || progress.State != model.StateWaiting || progress.StatusChecks != 2 {
		t.Errorf("progress = %+v", progress)
	}

	h.BroadcastError("exec-2", "DeadlineExceeded", "Execution Timed Out")
	var failed model.WSErrorMessage
	if err := json.Unmarshal(receive(t, b), &failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failed.Error.Code != "DeadlineExceeded" {
		t.Errorf("error message = %+v", failed)
	}

	select {
	case msg := <-a.Send:
		t.Errorf("exec-1 subscriber got %s", msg)
	default:
	}

	h.Unregister(a)
	waitForSubscribers(t, h, "exec-1", 0)
	if _, ok := <-a.Send; ok {
		t.Error("send channel should be closed after unregister")
	}
}
