package ingest

import (
	"context"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/ragchat-go/internal/logger"
)

// Status is the position of an upload in the upload→ingest sequence.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusIngesting Status = "ingesting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ArchiveInfo is returned by ingestion for archive uploads only.
type ArchiveInfo struct {
	FileCount      int      `json:"fileCount"`
	ExtractedFiles []string `json:"extractedFiles"`
}

// Record tracks one file through upload and ingestion. Records handed
// out by the pipeline are snapshots.
type Record struct {
	ID        string
	Name      string
	SizeBytes int64
	MediaType string
	Status    Status
	// UploadPath is the server side location returned by the upload phase.
	UploadPath      string
	ChunksProcessed *int
	ArchiveInfo     *ArchiveInfo
	// Error keeps the classified failure message for display.
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type trigger string

const (
	triggerStart    trigger = "Start"
	triggerUploaded trigger = "Uploaded"
	triggerIngested trigger = "Ingested"
	triggerFail     trigger = "Fail"
)

// newLifecycle binds a state machine to rec.Status. Every transition is
// forward-only; Fail is permitted from each non-terminal state and
// terminal states permit nothing.
func newLifecycle(rec *Record, now func() time.Time) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return rec.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			rec.Status = s.(Status)
			rec.UpdatedAt = now()
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StatusPending).
		Permit(triggerStart, StatusUploading).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusUploading).
		Permit(triggerUploaded, StatusIngesting).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusIngesting).
		OnEntryFrom(triggerUploaded, func(_ context.Context, args ...any) error {
			if res, ok := firstArg[uploadResult](args); ok {
				rec.UploadPath = res.UploadPath
			}
			return nil
		}).
		Permit(triggerIngested, StatusCompleted).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusCompleted).
		OnEntryFrom(triggerIngested, func(_ context.Context, args ...any) error {
			if res, ok := firstArg[ingestResult](args); ok {
				chunks := res.ChunksProcessed
				rec.ChunksProcessed = &chunks
				rec.ArchiveInfo = res.ArchiveInfo
			}
			return nil
		})

	sm.Configure(StatusFailed).
		OnEntryFrom(triggerFail, func(_ context.Context, args ...any) error {
			if msg, ok := firstArg[string](args); ok {
				rec.Error = msg
			}
			return nil
		})

	sm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		logger.L.Debug("upload transition",
			"id", rec.ID,
			"name", rec.Name,
			"from", tr.Source,
			"to", tr.Destination,
			"trigger", tr.Trigger,
		)
	})

	return sm
}

func firstArg[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}
