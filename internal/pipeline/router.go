package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"matting/internal/codec"
	"matting/internal/config"
	"matting/internal/document"
	"matting/internal/logging"
	"matting/internal/plugin"
	"matting/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log         *slog.Logger
	store       *storage.Store
	runner      procedureRunner
	procedure   string
	format      codec.Format
	timeout     time.Duration
	openFiles   func(imagePath, trimapPath string) (*document.Memory, error)
	openLayered func(path, imageLayer, trimapLayer string) (*document.Memory, error)
}

type procedureRunner interface {
	Run(ctx context.Context, name string, mode plugin.RunMode, doc plugin.Document) plugin.Return
}

func newRouter(cfg *config.Config, logger *slog.Logger, store *storage.Store, runner procedureRunner) *router {
	c := &codec.Codec{ImageMagickFallback: cfg.Codec.ImageMagickFallback}
	format, err := codec.ParseFormat(cfg.Codec.OutputFormat)
	if err != nil {
		format = codec.PNG
	}
	var timeout time.Duration
	if cfg.Processing.JobTimeout != "" {
		if d, err := time.ParseDuration(cfg.Processing.JobTimeout); err == nil {
			timeout = d
		} else {
			logger.Warn("ignoring invalid job timeout", "value", cfg.Processing.JobTimeout, "error", err)
		}
	}
	return &router{
		log:       logger,
		store:     store,
		runner:    runner,
		procedure: procedureName(cfg),
		format:    format,
		timeout:   timeout,
		openFiles: func(imagePath, trimapPath string) (*document.Memory, error) {
			return document.OpenFiles(c, imagePath, trimapPath)
		},
		openLayered: document.OpenLayered,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	switch job.Type {
	case JobDecompose:
		return r.handleDecompose(ctx, job)
	case JobDocument:
		return r.handleDocument(ctx, job)
	default:
		return Result{Job: job, Status: plugin.StatusCallingError, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleDecompose(ctx context.Context, job Job) Result {
	if job.TrimapPath == "" {
		return Result{Job: job, Status: plugin.StatusCallingError, Error: fmt.Errorf("decompose job %s has no trimap", job.ID)}
	}
	doc, err := r.openFiles(job.InputPath, job.TrimapPath)
	if err != nil {
		return Result{Job: job, Status: plugin.StatusCallingError, Error: err}
	}
	logging.LogProcessingStep(r.log, job.ID, "open", "done", map[string]any{"image": job.InputPath, "trimap": job.TrimapPath})
	return r.run(ctx, job, doc)
}

func (r *router) handleDocument(ctx context.Context, job Job) Result {
	imageLayer, _ := job.Options["imageLayer"].(string)
	trimapLayer, _ := job.Options["trimapLayer"].(string)
	doc, err := r.openLayered(job.InputPath, imageLayer, trimapLayer)
	if err != nil {
		return Result{Job: job, Status: plugin.StatusCallingError, Error: err}
	}
	logging.LogProcessingStep(r.log, job.ID, "open", "done", map[string]any{"document": job.InputPath, "layers": len(doc.Layers(nil))})
	return r.run(ctx, job, doc)
}

func (r *router) run(ctx context.Context, job Job, doc *document.Memory) Result {
	mode := plugin.RunNonInteractive
	if m, ok := job.Options["runMode"].(string); ok {
		mode = plugin.ParseRunMode(m)
	}

	started := time.Now()
	ret := r.runner.Run(ctx, r.procedure, mode, doc)
	if ret.Err != nil {
		return Result{Job: job, Status: ret.Status, Error: ret.Err}
	}
	elapsed := time.Since(started)
	logging.LogProcessingStep(r.log, job.ID, "procedure", "done", map[string]any{"procedure": r.procedure, "ms": elapsed.Milliseconds()})

	format := r.format
	if f, ok := job.Options["format"].(string); ok && f != "" {
		parsed, err := codec.ParseFormat(f)
		if err != nil {
			return Result{Job: job, Status: plugin.StatusCallingError, Error: err}
		}
		format = parsed
	}

	outputDir := job.Output
	if outputDir == "" {
		outputDir = filepath.Dir(job.InputPath)
	}
	outputs, err := document.WriteLayers(doc, outputDir, outputPrefix(job), format)
	if err != nil {
		return Result{Job: job, Status: plugin.StatusExecutionError, Error: err}
	}

	files := make([]map[string]any, 0, len(outputs))
	for _, o := range outputs {
		if r.store != nil {
			_ = r.store.RecordLayerOutput(storage.LayerOutput{JobID: job.ID, Name: o.Name, Path: o.Path, Width: o.Width, Height: o.Height})
		}
		files = append(files, map[string]any{"name": o.Name, "path": o.Path, "width": o.Width, "height": o.Height})
	}
	meta := map[string]any{
		"procedure": r.procedure,
		"status":    ret.Status.String(),
		"outputs":   files,
		"solve_ms":  elapsed.Milliseconds(),
	}
	return Result{Job: job, Status: ret.Status, Meta: meta}
}

// outputPrefix names outputs after the input unless the job asks otherwise.
func outputPrefix(job Job) string {
	if p, ok := job.Options["prefix"].(string); ok {
		return p
	}
	base := filepath.Base(job.InputPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-"
}
