package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"

	"matting/internal/codec"
	"matting/internal/config"
	"matting/internal/grpcserver"
	"matting/internal/pipeline"
	"matting/internal/plugin"
	"matting/internal/server"
	"matting/internal/storage"
	"matting/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string) error

type watchFunc func(ctx context.Context, cfg *config.Config, initial bool) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	registry *plugin.Registry
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	grpcFn   serverFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, reg *plugin.Registry, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		pipeline: pl,
		registry: reg,
		cfg:      cfg,
		log:      logger,
		store:    store,
	}
	r.serveFn = func(ctx context.Context, addr string) error {
		return server.NewServer(addr, cfg, store, pl, logger).Start(ctx)
	}
	r.grpcFn = func(ctx context.Context, addr string) error {
		c := &codec.Codec{ImageMagickFallback: cfg.Codec.ImageMagickFallback}
		return grpcserver.NewServer(reg, c, cfg.Plugin.ProcedureName, logger).Start(ctx, addr)
	}
	r.watchFn = func(ctx context.Context, cfg *config.Config, initial bool) error {
		return runWatch(ctx, cfg, pl, logger, initial)
	}
	return r
}

func runWatch(ctx context.Context, cfg *config.Config, submit watch.Submitter, logger *slog.Logger, initial bool) error {
	w, err := watch.New(cfg, submit, logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	if initial {
		m := watch.Matcher{Suffix: cfg.Watch.TrimapSuffix}
		if m.Suffix == "" {
			m.Suffix = watch.DefaultTrimapSuffix
		}
		for _, dir := range cfg.Watch.Directories {
			pairs, err := m.Scan(dir)
			if err != nil {
				return err
			}
			for _, p := range pairs {
				if err := submit.Submit(watch.JobFor(p, cfg.Paths.DefaultOutput)); err != nil {
					logger.Error("Failed to submit existing pair", "image", p.Image, "error", err)
				}
			}
		}
	}
	<-ctx.Done()
	return nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	res, err := pipeline.Wait(ctx, resCh, job.ID)
	if err != nil {
		return res, err
	}
	return res, res.Error
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return pipeline.NewJobID(prefix)
}

func printStatus(w io.Writer, symbol, msg string, attr color.Attribute) {
	c := color.New(attr)
	c.Fprintf(w, "%s ", symbol)
	fmt.Fprintln(w, msg)
}

// printOutputs lists the layer files recorded in a result.
func printOutputs(w io.Writer, res pipeline.Result) {
	outs, _ := res.Meta["outputs"].([]map[string]any)
	for _, o := range outs {
		fmt.Fprintf(w, "  %-12v %v (%vx%v)\n", o["name"], o["path"], o["width"], o["height"])
	}
}
