package task

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/faceblur/orchestrator/internal/client"
	"github.com/faceblur/orchestrator/internal/model"
)

// Options configures where results go and how they are fetched
type Options struct {
	OutputBucket  string
	OutputPrefix  string
	PageSize      int32
	MinConfidence float64
}

// Adapters wraps the external collaborators behind the four task contracts.
// It holds no per-execution state.
type Adapters struct {
	detector client.FaceDetector
	storage  client.StorageClient
	renderer client.VideoRenderer
	validate *validator.Validate
	opts     Options
}

// NewAdapters creates the task adapters. storage may be nil, in which case
// submit trusts the object key instead of checking the stored object.
func NewAdapters(detector client.FaceDetector, storage client.StorageClient, renderer client.VideoRenderer, opts Options) *Adapters {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	return &Adapters{
		detector: detector,
		storage:  storage,
		renderer: renderer,
		validate: NewValidator(),
		opts:     opts,
	}
}

// Submit starts a face detection job for a source video
func (a *Adapters) Submit(ctx context.Context, in SubmitInput) (SubmitOutput, error) {
	return Invoke(ctx, a.validate, Submit, a.submit, in)
}

// CheckStatus reads the current status of a job. A FAILED job is a
// successful call.
func (a *Adapters) CheckStatus(ctx context.Context, in CheckStatusInput) (CheckStatusOutput, error) {
	return Invoke(ctx, a.validate, CheckStatus, a.checkStatus, in)
}

// FetchResults collects every detection record of a SUCCEEDED job
func (a *Adapters) FetchResults(ctx context.Context, in FetchResultsInput) (FetchResultsOutput, error) {
	return Invoke(ctx, a.validate, FetchResults, a.fetchResults, in)
}

// Render writes the blurred copy of the source video
func (a *Adapters) Render(ctx context.Context, in RenderInput) (RenderOutput, error) {
	return Invoke(ctx, a.validate, Render, a.render, in)
}

// Destination is where the rendered copy of source is written
func (a *Adapters) Destination(source model.ObjectRef) model.ObjectRef {
	return model.ObjectRef{
		Bucket: a.opts.OutputBucket,
		Key:    a.opts.OutputPrefix + source.Key,
	}
}

func (a *Adapters) submit(ctx context.Context, in SubmitInput) (SubmitOutput, error) {
	if !model.IsSupportedVideoKey(in.Source.Key) {
		return SubmitOutput{}, &Error{
			Task: Submit,
			Code: CodeUnsupportedMedia,
			Err:  fmt.Errorf("%s (%s): %w", in.Source, path.Ext(in.Source.Key), ErrUnsupportedMedia),
		}
	}

	token := ""
	if a.storage != nil {
		info, err := a.storage.Head(ctx, in.Source)
		if err != nil {
			if errors.Is(err, client.ErrObjectNotFound) {
				return SubmitOutput{}, &Error{Task: Submit, Code: CodeSourceNotFound, Err: err}
			}
			return SubmitOutput{}, err
		}
		if !isVideoContentType(info.ContentType) {
			return SubmitOutput{}, &Error{
				Task: Submit,
				Code: CodeUnsupportedMedia,
				Err:  fmt.Errorf("%s has content type %q: %w", in.Source, info.ContentType, ErrUnsupportedMedia),
			}
		}
		// Same object version, same token: the detection service dedupes
		token = uuid.NewSHA1(uuid.NameSpaceURL, []byte(in.Source.String()+"#"+info.ETag)).String()
	}

	jobID, err := a.detector.StartFaceDetection(ctx, in.Source, token)
	if err != nil {
		return SubmitOutput{}, err
	}

	return SubmitOutput{
		Handle: model.JobHandle{JobID: jobID, Source: in.Source},
	}, nil
}

func (a *Adapters) checkStatus(ctx context.Context, in CheckStatusInput) (CheckStatusOutput, error) {
	page, err := a.detector.GetFaceDetection(ctx, in.Handle.JobID, "", 1)
	if err != nil {
		return CheckStatusOutput{}, err
	}

	return CheckStatusOutput{
		Handle:        in.Handle,
		Status:        model.ParseJobStatus(page.Status),
		RawStatus:     page.Status,
		StatusMessage: page.StatusMessage,
		Metadata:      page.Metadata,
	}, nil
}

func (a *Adapters) fetchResults(ctx context.Context, in FetchResultsInput) (FetchResultsOutput, error) {
	detections := make([]model.DetectionRecord, 0)
	nextToken := ""

	for {
		page, err := a.detector.GetFaceDetection(ctx, in.Handle.JobID, nextToken, a.opts.PageSize)
		if err != nil {
			return FetchResultsOutput{}, err
		}
		if model.ParseJobStatus(page.Status) != model.JobStatusSucceeded {
			return FetchResultsOutput{}, &Error{
				Task: FetchResults,
				Code: CodeContractViolation,
				Err:  fmt.Errorf("job %s reports %s: %w", in.Handle.JobID, page.Status, ErrContractViolation),
			}
		}

		for _, d := range page.Faces {
			if d.Confidence >= a.opts.MinConfidence {
				detections = append(detections, d)
			}
		}

		if page.NextToken == "" || page.NextToken == nextToken {
			break
		}
		nextToken = page.NextToken
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].TimestampMs < detections[j].TimestampMs
	})

	return FetchResultsOutput{Handle: in.Handle, Detections: detections}, nil
}

func (a *Adapters) render(ctx context.Context, in RenderInput) (RenderOutput, error) {
	if a.opts.OutputBucket == "" {
		return RenderOutput{}, &Error{
			Task: Render,
			Code: CodeRejected,
			Err:  errors.New("output bucket is not configured"),
		}
	}

	dest := a.Destination(in.Handle.Source)
	resp, err := a.renderer.Blur(ctx, &client.BlurRequest{
		Source:      in.Handle.Source,
		Destination: dest,
		Detections:  in.Detections,
	})
	if err != nil {
		return RenderOutput{}, err
	}

	if resp.Output.Bucket != "" && resp.Output.Key != "" {
		dest = resp.Output
	}

	return RenderOutput{Handle: in.Handle, Destination: dest}, nil
}

func isVideoContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" ||
		strings.HasPrefix(ct, "video/") ||
		ct == "application/octet-stream" ||
		ct == "binary/octet-stream"
}
