// Package worker runs the single-slot build loop.
//
// A worker subscribes to the dispatch channel and executes at most one build
// at a time. Dropping messages while busy is fine: the reconciler
// republishes anything still waiting, and the cluster lock keeps two workers
// off the same job.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/bus"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
	"git.home.luguber.info/inful/apkbuilder/internal/pipeline"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
)

// JobStore is the slice of the job store the worker needs.
type JobStore interface {
	FindByID(ctx context.Context, buildID string) (*store.Job, error)
	Upsert(ctx context.Context, job *store.Job) error
}

// Locker is the cluster mutex.
type Locker interface {
	Lock(ctx context.Context, key string) bool
	Unlock(ctx context.Context, key string) bool
}

// Notifier delivers the result, best-effort.
type Notifier interface {
	Notify(ctx context.Context, job *store.Job)
}

// LogUploader stores the failure log and renders its public URL.
type LogUploader interface {
	Upload(path, displayName string) (string, error)
	PublicURL(fid string) string
}

// Worker owns the busy slot of one process.
type Worker struct {
	cfg      *config.Settings
	jobs     JobStore
	locks    Locker
	notifier Notifier
	uploader LogUploader
	metrics  *metrics.Metrics

	busy atomic.Bool

	// runPipeline is pipeline.Run unless a test swaps it out.
	runPipeline func(ctx context.Context, deps pipeline.Deps, job *store.Job) error
	deps        pipeline.Deps
}

// New wires a Worker.
func New(cfg *config.Settings, jobs JobStore, locks Locker, notifier Notifier, uploader LogUploader, deps pipeline.Deps, m *metrics.Metrics) *Worker {
	return &Worker{
		cfg:         cfg,
		jobs:        jobs,
		locks:       locks,
		notifier:    notifier,
		uploader:    uploader,
		metrics:     m,
		runPipeline: pipeline.Run,
		deps:        deps,
	}
}

// Busy reports whether a build is currently running.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Run subscribes to the dispatch channel until ctx is done. Each message is
// handled on its own goroutine so the subscription never stalls behind a
// running build.
func (w *Worker) Run(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, bus.BuildChannel, func(msg string) {
		go w.Handle(ctx, msg)
	})
}

// Handle processes one dispatched build id.
func (w *Worker) Handle(ctx context.Context, buildID string) {
	if w.busy.Load() {
		slog.Info("busy, dropping dispatch", logfields.BuildID(buildID))
		return
	}

	if !w.locks.Lock(ctx, buildID) {
		slog.Info("lock held elsewhere, dropping dispatch", logfields.BuildID(buildID))
		return
	}
	if !w.busy.CompareAndSwap(false, true) {
		// Lost the slot between the check and the lock.
		w.locks.Unlock(ctx, buildID)
		return
	}
	defer func() {
		w.locks.Unlock(ctx, buildID)
		w.busy.Store(false)
		if w.metrics != nil {
			w.metrics.WorkerBusy.Set(0)
		}
	}()
	if w.metrics != nil {
		w.metrics.WorkerBusy.Set(1)
	}

	job, err := w.jobs.FindByID(ctx, buildID)
	if err != nil {
		slog.Warn("dispatched job not loadable", logfields.BuildID(buildID), logfields.Error(err))
		return
	}
	if job.Terminal() {
		slog.Info("job already finished, dropping dispatch", logfields.BuildID(buildID), logfields.Status(job.Code))
		return
	}

	job.Status = store.StatusBuilding()
	job.Operate = w.cfg.WorkerID()
	if err := w.jobs.Upsert(ctx, job); err != nil {
		slog.Warn("persisting building state failed", logfields.BuildID(buildID), logfields.Error(err))
		return
	}

	slog.Info("build start", logfields.BuildID(buildID), logfields.Worker(job.Operate))

	t0 := time.Now()
	buildErr := w.build(ctx, job)
	job.BuildTime = int64(time.Since(t0) / time.Second)
	if job.BuildTime == 0 {
		job.BuildTime = 1
	}

	if buildErr == nil {
		job.Status = store.StatusSuccess()
	} else {
		slog.Warn("build failed", logfields.BuildID(buildID), logfields.Error(buildErr))
		job.Status = store.StatusFailed(w.failureMessage(buildID, buildErr))
	}
	job.Operate = w.cfg.WorkerID()

	if err := w.jobs.Upsert(ctx, job); err != nil {
		slog.Error("persisting result failed", logfields.BuildID(buildID), logfields.Error(err))
	}

	if w.metrics != nil {
		result := "success"
		if buildErr != nil {
			result = "failed"
		}
		w.metrics.BuildsTotal.WithLabelValues(result).Inc()
		w.metrics.BuildSeconds.Observe(time.Since(t0).Seconds())
	}

	w.notifier.Notify(ctx, job)

	slog.Info("build finished", logfields.BuildID(buildID), logfields.Status(job.Code),
		slog.Int64("build_time", job.BuildTime))
}

// build runs the pipeline with panics contained, so one broken build never
// takes the process down.
func (w *Worker) build(ctx context.Context, job *store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build panic: %v", r)
		}
	}()
	return w.runPipeline(ctx, w.deps, job)
}

// failureMessage is the terminal error text. When the gradle log exists it
// is uploaded and its address appended, so submitters can read the full
// output.
func (w *Worker) failureMessage(buildID string, buildErr error) string {
	msg := buildErr.Error()

	logPath := w.cfg.LogPath(buildID)
	if _, err := os.Stat(logPath); err != nil {
		return msg
	}

	fid, err := w.uploader.Upload(logPath, buildID+".txt")
	if err != nil {
		slog.Warn("log upload failed", logfields.BuildID(buildID), logfields.Error(err))
		return msg
	}
	return msg + "\n详细日志地址: " + w.uploader.PublicURL(fid)
}
