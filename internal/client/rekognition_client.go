package client

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/faceblur/orchestrator/internal/config"
	"github.com/faceblur/orchestrator/internal/model"
)

// FaceDetector defines the face detection job operations
type FaceDetector interface {
	StartFaceDetection(ctx context.Context, source model.ObjectRef, clientToken string) (string, error)
	GetFaceDetection(ctx context.Context, jobID, nextToken string, maxResults int32) (*FaceDetectionPage, error)
}

// FaceDetectionPage is one page of a face detection job's results
type FaceDetectionPage struct {
	Status        string
	StatusMessage string
	Faces         []model.DetectionRecord
	NextToken     string
	Metadata      *model.VideoMetadata
}

// RekognitionClient implements FaceDetector for Amazon Rekognition Video
type RekognitionClient struct {
	api *rekognition.Client
}

// NewRekognitionClient creates a new Rekognition client. Credentials come
// from the storage section so one key pair serves both services.
func NewRekognitionClient(cfg *config.DetectionConfig, storage *config.StorageConfig) (*RekognitionClient, error) {
	awsCfg, err := loadAWSConfig(context.Background(), cfg.Region, "", storage.AccessKeyID, storage.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	return &RekognitionClient{
		api: rekognition.NewFromConfig(awsCfg),
	}, nil
}

// StartFaceDetection starts an asynchronous face detection job on a stored
// video and returns its job ID. The client token makes resubmission of the
// same video idempotent on the service side.
func (c *RekognitionClient) StartFaceDetection(ctx context.Context, source model.ObjectRef, clientToken string) (string, error) {
	input := &rekognition.StartFaceDetectionInput{
		Video: &types.Video{
			S3Object: &types.S3Object{
				Bucket: aws.String(source.Bucket),
				Name:   aws.String(source.Key),
			},
		},
		FaceAttributes: types.FaceAttributesDefault,
	}
	if clientToken != "" {
		input.ClientRequestToken = aws.String(clientToken)
	}

	log.Printf("[Rekognition] → StartFaceDetection %s", source)

	out, err := c.api.StartFaceDetection(ctx, input)
	if err != nil {
		log.Printf("[Rekognition] ✗ StartFaceDetection %s: %v", source, err)
		return "", fmt.Errorf("failed to start face detection: %w", err)
	}

	jobID := aws.ToString(out.JobId)
	if jobID == "" {
		return "", fmt.Errorf("face detection started without a job id: %w", ErrMalformedResponse)
	}

	log.Printf("[Rekognition] ← StartFaceDetection %s: job %s", source, jobID)
	return jobID, nil
}

// GetFaceDetection fetches one page of a job's status and detected faces
func (c *RekognitionClient) GetFaceDetection(ctx context.Context, jobID, nextToken string, maxResults int32) (*FaceDetectionPage, error) {
	input := &rekognition.GetFaceDetectionInput{
		JobId: aws.String(jobID),
	}
	if maxResults > 0 {
		input.MaxResults = aws.Int32(maxResults)
	}
	if nextToken != "" {
		input.NextToken = aws.String(nextToken)
	}

	out, err := c.api.GetFaceDetection(ctx, input)
	if err != nil {
		log.Printf("[Rekognition] ✗ GetFaceDetection job=%s: %v", jobID, err)
		return nil, fmt.Errorf("failed to get face detection: %w", err)
	}

	page := &FaceDetectionPage{
		Status:        string(out.JobStatus),
		StatusMessage: aws.ToString(out.StatusMessage),
		NextToken:     aws.ToString(out.NextToken),
		Faces:         make([]model.DetectionRecord, 0, len(out.Faces)),
	}

	for _, f := range out.Faces {
		if f.Face == nil {
			continue
		}
		record := model.DetectionRecord{
			TimestampMs: f.Timestamp,
			Confidence:  float64(aws.ToFloat32(f.Face.Confidence)),
		}
		if box := f.Face.BoundingBox; box != nil {
			record.Box = model.BoundingBox{
				Left:   clampRatio(aws.ToFloat32(box.Left)),
				Top:    clampRatio(aws.ToFloat32(box.Top)),
				Width:  clampRatio(aws.ToFloat32(box.Width)),
				Height: clampRatio(aws.ToFloat32(box.Height)),
			}
		}
		page.Faces = append(page.Faces, record)
	}

	if md := out.VideoMetadata; md != nil {
		page.Metadata = &model.VideoMetadata{
			Codec:          aws.ToString(md.Codec),
			DurationMillis: aws.ToInt64(md.DurationMillis),
			Format:         aws.ToString(md.Format),
			FrameRate:      float64(aws.ToFloat32(md.FrameRate)),
			FrameWidth:     aws.ToInt64(md.FrameWidth),
			FrameHeight:    aws.ToInt64(md.FrameHeight),
		}
	}

	log.Printf("[Rekognition] ← GetFaceDetection job=%s: status: %s, faces: %d", jobID, page.Status, len(page.Faces))
	return page, nil
}

// Boxes can poke slightly outside the frame
func clampRatio(v float32) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return float64(v)
	}
}
