package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/faceblur/orchestrator/internal/model"
)

func TestRecordAndOutput(t *testing.T) {
	wc := model.WorkflowContext{}
	in := CheckStatusOutput{
		Handle:    model.JobHandle{JobID: "job-1", Source: clip},
		Status:    model.JobStatusSucceeded,
		RawStatus: "SUCCEEDED",
	}

	if err := Record(wc, CheckStatus, in, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(wc[string(CheckStatus)].Body, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["jobStatus"] != "SUCCEEDED" {
		t.Errorf("jobStatus = %v, want SUCCEEDED", body["jobStatus"])
	}

	out, err := Output[CheckStatusOutput](wc, CheckStatus)
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if out.Status != model.JobStatusSucceeded || out.Handle.JobID != "job-1" {
		t.Errorf("output = %+v", out)
	}
}

func TestOutputMissingOrMalformed(t *testing.T) {
	wc := model.WorkflowContext{
		string(FetchResults): {Body: json.RawMessage(`{"detections": "not-a-list"}`)},
	}

	if _, err := Output[FetchResultsOutput](wc, FetchResults); !errors.Is(err, ErrContractViolation) {
		t.Errorf("malformed: error = %v, want ErrContractViolation", err)
	}
	if _, err := Output[RenderOutput](wc, Render); !errors.Is(err, ErrContractViolation) {
		t.Errorf("missing: error = %v, want ErrContractViolation", err)
	}
}
