package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"matting/internal/config"
	"matting/internal/logging"
	"matting/internal/plugin"
	"matting/internal/storage"
)

// JobType enumerates supported invocation kinds.
type JobType string

const (
	// JobDecompose runs the procedure on an image file and a trimap file.
	JobDecompose JobType = "decompose"
	// JobDocument runs the procedure on two layers of a layered file.
	JobDocument JobType = "document"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single invocation request.
type Job struct {
	ID         string
	Type       JobType
	InputPath  string
	TrimapPath string // JobDecompose only
	Output     string // output directory
	Options    map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job    Job
	Status plugin.Status
	Error  error
	Meta   map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	registry  *plugin.Registry
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	procedure string
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline whose workers run the configured procedure of reg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store, reg *plugin.Registry) *Pipeline {
	return NewWithProcessor(ctx, cfg, logger, store, reg, newRouter(cfg, logger, store, reg))
}

// NewWithProcessor creates a Pipeline around a caller-supplied Processor.
func NewWithProcessor(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store, reg *plugin.Registry, proc Processor) *Pipeline {
	concurrency := cfg.Processing.ParallelJobs
	if concurrency < 1 {
		concurrency = 1
	}
	queue := cfg.Processing.QueueSize
	if queue < 1 {
		queue = concurrency * 2
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:       logger,
		registry:  reg,
		jobs:      make(chan Job, queue),
		cancel:    cancel,
		store:     store,
		procedure: procedureName(cfg),
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

func procedureName(cfg *config.Config) string {
	if cfg.Plugin.ProcedureName != "" {
		return cfg.Plugin.ProcedureName
	}
	return plugin.DefaultProcedureName
}

// Registry returns the plug-in registry jobs run against.
func (p *Pipeline) Registry() *plugin.Registry { return p.registry }

// Store returns the invocation store, which may be nil.
func (p *Pipeline) Store() *storage.Store { return p.store }

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Procedure:   p.procedure,
			Status:      "queued",
			InputPath:   job.InputPath,
			TrimapPath:  job.TrimapPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "failed", "", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			status := "completed"
			if res.Error != nil {
				status = "failed"
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"trimap":  job.TrimapPath,
					"output":  job.Output,
					"options": job.Options,
					"worker":  id,
				})
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Status.String(), res.Meta, errString(res.Error))
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Wait blocks until the job with id finishes or ctx ends. Subscribe before
// submitting so the result cannot be missed.
func Wait(ctx context.Context, results <-chan Result, id string) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return Result{}, errors.New("pipeline stopped")
			}
			if res.Job.ID == id {
				return res, nil
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
