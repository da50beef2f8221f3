package task

import (
	"github.com/faceblur/orchestrator/internal/model"
)

// Name identifies one external capability
type Name string

const (
	Submit       Name = "submit"
	CheckStatus  Name = "checkStatus"
	FetchResults Name = "fetchResults"
	Render       Name = "render"
)

type SubmitInput struct {
	Source model.ObjectRef `json:"source" validate:"required"`
}

type SubmitOutput struct {
	Handle model.JobHandle `json:"handle" validate:"required"`
}

type CheckStatusInput struct {
	Handle model.JobHandle `json:"handle" validate:"required"`
}

type CheckStatusOutput struct {
	Handle        model.JobHandle      `json:"handle" validate:"required"`
	Status        model.JobStatus      `json:"jobStatus"`
	RawStatus     string               `json:"rawStatus"`
	StatusMessage string               `json:"statusMessage,omitempty"`
	Metadata      *model.VideoMetadata `json:"metadata,omitempty"`
}

// FetchResultsInput carries the status observation that allows fetching
type FetchResultsInput struct {
	Handle model.JobHandle `json:"handle" validate:"required"`
	Status model.JobStatus `json:"jobStatus" validate:"job_succeeded"`
}

type FetchResultsOutput struct {
	Handle     model.JobHandle         `json:"handle" validate:"required"`
	Detections []model.DetectionRecord `json:"detections" validate:"required,dive"`
}

type RenderInput struct {
	Handle     model.JobHandle         `json:"handle" validate:"required"`
	Detections []model.DetectionRecord `json:"detections" validate:"required,dive"`
}

type RenderOutput struct {
	Handle      model.JobHandle `json:"handle" validate:"required"`
	Destination model.ObjectRef `json:"destination" validate:"required"`
}
