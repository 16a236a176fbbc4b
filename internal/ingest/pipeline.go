// Package ingest moves documents into the knowledge base: local
// validation, then an upload phase and an ingestion phase, each tracked on
// a Record.
package ingest

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/ragchat-go/internal/config"
	"github.com/comigor/ragchat-go/internal/gateway"
	"github.com/comigor/ragchat-go/internal/logger"
)

const (
	uploadEndpoint = "/api/documents/upload"
	ingestEndpoint = "/api/documents/ingest"
	formField      = "document"

	// DefaultRecent is how many records the upload list shows.
	DefaultRecent = 5
)

// Sender is the part of the gateway the pipeline needs.
type Sender interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// Recorder persists records that reached a terminal status.
type Recorder interface {
	SaveUpload(ctx context.Context, rec Record)
}

type uploadResult struct {
	UploadPath   string `json:"uploadPath"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
}

type ingestRequest struct {
	FilePath     string `json:"filePath"`
	OriginalName string `json:"originalName"`
}

type ingestResult struct {
	ChunksProcessed int          `json:"chunksProcessed"`
	ArchiveInfo     *ArchiveInfo `json:"archiveInfo,omitempty"`
}

// Pipeline runs uploads. It is safe for concurrent use; each file keeps
// its own strict upload then ingest order.
type Pipeline struct {
	sender        Sender
	recorder      Recorder
	now           func() time.Time
	maxBytes      int64
	concurrency   int
	uploadTimeout time.Duration
	ingestTimeout time.Duration
	ledger        *ledger
}

type Option func(*Pipeline)

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline with limits and timeouts taken from cfg.
func New(sender Sender, cfg config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		sender:        sender,
		now:           time.Now,
		maxBytes:      cfg.Upload.MaxBytes,
		concurrency:   cfg.Upload.Concurrency,
		uploadTimeout: cfg.Timeouts.Upload,
		ingestTimeout: cfg.Timeouts.Ingest,
		ledger:        newLedger(cfg.Upload.HistoryLimit),
	}
	if p.maxBytes <= 0 {
		p.maxBytes = config.DefaultMaxBytes
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate reports whether f would be accepted by Upload.
func (p *Pipeline) Validate(f File) error {
	_, err := validate(f, p.maxBytes)
	return err
}

// Upload validates f, uploads it and asks the backend to ingest it. The
// returned Record is the final snapshot; on a phase failure it is in
// StatusFailed and the error is a gateway error. Validation failures
// return an *InvalidFileError and create no Record.
func (p *Pipeline) Upload(ctx context.Context, f File) (Record, error) {
	mediaType, err := validate(f, p.maxBytes)
	if err != nil {
		return Record{}, err
	}

	now := p.now()
	e := p.ledger.add(Record{
		ID:        uuid.NewString(),
		Name:      f.Name,
		SizeBytes: f.Size,
		MediaType: mediaType,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, p.now)

	logger.L.Info("upload started", "id", e.rec.ID, "name", f.Name, "size", humanize.IBytes(uint64(f.Size)), "media_type", mediaType)

	if _, err := p.ledger.fire(e, triggerStart); err != nil {
		return p.fail(ctx, e, err)
	}

	uploaded, err := p.upload(ctx, f, mediaType)
	if err != nil {
		return p.fail(ctx, e, err)
	}
	if _, err := p.ledger.fire(e, triggerUploaded, uploaded); err != nil {
		return p.fail(ctx, e, err)
	}

	name := uploaded.OriginalName
	if name == "" {
		name = f.Name
	}
	ingested, err := p.ingest(ctx, uploaded.UploadPath, name)
	if err != nil {
		return p.fail(ctx, e, err)
	}
	rec, err := p.ledger.fire(e, triggerIngested, ingested)
	if err != nil {
		return p.fail(ctx, e, err)
	}

	logger.L.Info("upload completed", "id", rec.ID, "name", rec.Name, "chunks", ingested.ChunksProcessed)
	p.save(ctx, rec)
	return rec, nil
}

// Result is the outcome of one file in UploadMany.
type Result struct {
	File   File
	Record Record
	Err    error
}

// UploadMany uploads distinct files concurrently. A failing file never
// stops the others; results are in the order of files.
func (p *Pipeline) UploadMany(ctx context.Context, files ...File) []Result {
	results := make([]Result, len(files))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, f := range files {
		g.Go(func() error {
			rec, err := p.Upload(ctx, f)
			results[i] = Result{File: f, Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Records returns the retained records, oldest first.
func (p *Pipeline) Records() []Record {
	return p.ledger.snapshot()
}

// Recent returns the last n records, oldest first. n <= 0 means
// DefaultRecent.
func (p *Pipeline) Recent(n int) []Record {
	if n <= 0 {
		n = DefaultRecent
	}
	all := p.ledger.snapshot()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func (p *Pipeline) upload(ctx context.Context, f File, mediaType string) (uploadResult, error) {
	rc, err := f.Open()
	if err != nil {
		return uploadResult{}, goerr.Wrap(err, "failed to open file", goerr.V("name", f.Name))
	}
	defer rc.Close()

	var out uploadResult
	err = p.sender.Send(ctx, gateway.Request{
		Endpoint: uploadEndpoint,
		Form: &gateway.Multipart{
			Field:       formField,
			FileName:    f.Name,
			ContentType: mediaType,
			Content:     rc,
		},
		Timeout: p.uploadTimeout,
	}, &out)
	if err != nil {
		return uploadResult{}, err
	}
	return out, nil
}

func (p *Pipeline) ingest(ctx context.Context, path, name string) (ingestResult, error) {
	var out ingestResult
	err := p.sender.Send(ctx, gateway.Request{
		Endpoint: ingestEndpoint,
		Body:     ingestRequest{FilePath: path, OriginalName: name},
		Timeout:  p.ingestTimeout,
	}, &out)
	if err != nil {
		return ingestResult{}, err
	}
	return out, nil
}

func (p *Pipeline) fail(ctx context.Context, e *entry, cause error) (Record, error) {
	rec, err := p.ledger.fire(e, triggerFail, gateway.MessageOf(cause))
	if err != nil {
		logger.L.Error("failed to mark upload as failed", "id", rec.ID, "error", err)
	}
	logger.L.Warn("upload failed", "id", rec.ID, "name", rec.Name, "status", rec.Status, "error", cause)
	p.save(ctx, rec)
	return rec, goerr.Wrap(cause, "upload failed", goerr.V("id", rec.ID), goerr.V("name", rec.Name))
}

func (p *Pipeline) save(ctx context.Context, rec Record) {
	if p.recorder != nil {
		p.recorder.SaveUpload(ctx, rec)
	}
}
