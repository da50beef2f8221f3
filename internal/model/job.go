package model

import "fmt"

// ObjectRef identifies an object in storage
type ObjectRef struct {
	Bucket string `json:"bucket" validate:"required"`
	Key    string `json:"key" validate:"required"`
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
}

// JobHandle identifies one externally running face detection job.
// It is created by the submit task and never modified afterwards.
type JobHandle struct {
	JobID  string    `json:"jobId" validate:"required"`
	Source ObjectRef `json:"source" validate:"required"`
}

// BoundingBox is a face region expressed as ratios of the frame size
type BoundingBox struct {
	Left   float64 `json:"left" validate:"gte=0,lte=1"`
	Top    float64 `json:"top" validate:"gte=0,lte=1"`
	Width  float64 `json:"width" validate:"gte=0,lte=1"`
	Height float64 `json:"height" validate:"gte=0,lte=1"`
}

// DetectionRecord is one face seen at one point of the video
type DetectionRecord struct {
	TimestampMs int64       `json:"timestampMs" validate:"gte=0"`
	Box         BoundingBox `json:"boundingBox"`
	Confidence  float64     `json:"confidence" validate:"gte=0,lte=100"`
}

// VideoMetadata is reported by the detection service alongside the status
type VideoMetadata struct {
	Codec          string  `json:"codec,omitempty"`
	DurationMillis int64   `json:"durationMillis,omitempty"`
	Format         string  `json:"format,omitempty"`
	FrameRate      float64 `json:"frameRate,omitempty"`
	FrameWidth     int64   `json:"frameWidth,omitempty"`
	FrameHeight    int64   `json:"frameHeight,omitempty"`
}
