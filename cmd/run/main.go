// Command run blurs the faces of one stored video in the foreground,
// without Redis or the queue. It is meant for local runs and backfills.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/faceblur/orchestrator/internal/client"
	"github.com/faceblur/orchestrator/internal/config"
	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/task"
	"github.com/faceblur/orchestrator/internal/workflow"
)

func main() {
	bucket := flag.String("bucket", "", "bucket of the source video (defaults to INPUT_BUCKET)")
	key := flag.String("key", "", "key of the source video")
	jobID := flag.String("job", "", "follow an already submitted detection job instead of submitting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	source := model.ObjectRef{Bucket: *bucket, Key: *key}
	if source.Bucket == "" {
		source.Bucket = cfg.Storage.InputBucket
	}
	if source.Bucket == "" || source.Key == "" {
		flag.Usage()
		os.Exit(2)
	}

	detector, err := client.NewRekognitionClient(&cfg.Detection, &cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize face detection client: %v", err)
	}

	var storageClient client.StorageClient
	if cfg.Storage.AccessKeyID != "" {
		s3Client, err := client.NewS3Client(&cfg.Storage)
		if err != nil {
			log.Fatalf("Failed to initialize storage client: %v", err)
		}
		storageClient = s3Client
	}

	adapters := task.NewAdapters(detector, storageClient, client.NewRenderClient(&cfg.Renderer), task.Options{
		OutputBucket:  cfg.Storage.OutputBucket,
		OutputPrefix:  cfg.Storage.OutputPrefix,
		PageSize:      cfg.Detection.PageSize,
		MinConfidence: cfg.Detection.MinConfidence,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle := model.JobHandle{JobID: *jobID, Source: source}
	if handle.JobID == "" {
		out, err := adapters.Submit(ctx, task.SubmitInput{Source: source})
		if err != nil {
			log.Fatalf("Submit failed: %v", err)
		}
		handle = out.Handle
	}

	engine := workflow.NewEngine(adapters, workflow.Config{
		PollInterval: cfg.Workflow.PollInterval,
		Deadline:     cfg.Workflow.Deadline,
	})
	runner := workflow.NewRunner(engine,
		workflow.WithMaxAttempts(cfg.Workflow.StepMaxAttempts),
		workflow.WithObserver(func(exec *model.Execution) {
			log.Printf("[Run] %s -> %s (checks: %d)", exec.ID, exec.State, exec.StatusChecks)
		}),
	)

	exec := model.NewExecution(uuid.New().String(), handle, time.Now())
	if err := runner.Run(ctx, exec); err != nil {
		log.Fatalf("Run interrupted in %s: %v", exec.State, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(exec)

	if exec.Outcome != model.OutcomeSucceeded {
		os.Exit(1)
	}
}
