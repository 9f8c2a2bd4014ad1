// Package reconcile re-drives stranded jobs and prunes the local cache.
//
// The dispatch channel is lossy, so a job can sit in the store with nobody
// working on it: every worker was busy when it was published, or a worker
// died mid-build. The reconciler is the safety net that turns those losses
// into retries.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.mongodb.org/mongo-driver/bson"

	"git.home.luguber.info/inful/apkbuilder/internal/bus"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
)

const (
	// tickInterval paces the pending scan. Short enough that a dropped
	// dispatch only delays a build by seconds.
	tickInterval = 8 * time.Second

	// gcInterval paces the cache sweep.
	gcInterval = time.Hour

	// cacheMaxAge is how long a checked-out source tree survives unused.
	cacheMaxAge = 21 * 24 * time.Hour

	// stalledAfter marks a Building job as abandoned when its record has not
	// moved for this long. Must exceed the cluster lock TTL so a live worker
	// is never raced.
	stalledAfter = 20 * time.Minute

	// redriveLimit bounds one scan; the newest jobs go first.
	redriveLimit = 20
)

// JobScanner is the slice of the job store the reconciler needs.
type JobScanner interface {
	Find(ctx context.Context, filter bson.M, sort bson.D, limit, skip int64, fn func(*store.Job) error) error
	Upsert(ctx context.Context, job *store.Job) error
}

// Publisher pushes build ids back onto the dispatch channel.
type Publisher interface {
	Publish(ctx context.Context, channel, msg string)
}

// Reconciler owns the periodic jobs of one process.
type Reconciler struct {
	cfg       *config.Settings
	jobs      JobScanner
	publisher Publisher
	metrics   *metrics.Metrics

	scheduler gocron.Scheduler
	now       func() time.Time
}

// New wires a Reconciler. jobs and publisher may be nil on a node that only
// runs the cache sweep.
func New(cfg *config.Settings, jobs JobScanner, publisher Publisher, m *metrics.Metrics) (*Reconciler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Reconciler{
		cfg:       cfg,
		jobs:      jobs,
		publisher: publisher,
		metrics:   m,
		scheduler: s,
		now:       time.Now,
	}, nil
}

// Start registers the periodic jobs and begins ticking. The pending scan only
// runs on the manager; the cache sweep runs everywhere a cache exists.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.cfg.Manager && r.jobs != nil && r.publisher != nil {
		_, err := r.scheduler.NewJob(
			gocron.DurationJob(tickInterval),
			gocron.NewTask(func() { r.tick(ctx) }),
			gocron.WithName("redrive-pending"),
		)
		if err != nil {
			return fmt.Errorf("schedule pending scan: %w", err)
		}
	}

	_, err := r.scheduler.NewJob(
		gocron.DurationJob(gcInterval),
		gocron.NewTask(func() { r.sweepCache() }),
		gocron.WithName("cache-sweep"),
	)
	if err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}

	slog.Info("reconciler started", slog.Bool("manager", r.cfg.Manager))
	r.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running tick to finish.
func (r *Reconciler) Stop() error {
	return r.scheduler.Shutdown()
}

// tick republishes pending jobs. Waiting jobs go straight back onto the
// channel; Building jobs are first reset to Waiting once their record has
// been silent past the stall threshold.
func (r *Reconciler) tick(ctx context.Context) {
	sort := bson.D{{Key: "date", Value: -1}}
	err := r.jobs.Find(ctx, store.FilterPending(), sort, redriveLimit, 0, func(job *store.Job) error {
		switch job.Code {
		case store.CodeWaiting:
			r.republish(ctx, job.BuildID)
		case store.CodeBuilding:
			if r.now().UTC().Sub(job.UpdateTime) < stalledAfter {
				return nil
			}
			slog.Warn("build stalled, resetting",
				logfields.BuildID(job.BuildID), logfields.Worker(job.Operate))
			job.Status = store.StatusWaiting()
			if err := r.jobs.Upsert(ctx, job); err != nil {
				slog.Error("resetting stalled job failed",
					logfields.BuildID(job.BuildID), logfields.Error(err))
				return nil
			}
			r.republish(ctx, job.BuildID)
		}
		return nil
	})
	if err != nil {
		slog.Error("pending scan failed", logfields.Error(err))
	}
}

func (r *Reconciler) republish(ctx context.Context, buildID string) {
	r.publisher.Publish(ctx, bus.BuildChannel, buildID)
	if r.metrics != nil {
		r.metrics.RepublishedTotal.Inc()
	}
}

// sweepCache removes checked-out source trees that have not been touched for
// cacheMaxAge. Each immediate child of the apps dir is one project checkout.
func (r *Reconciler) sweepCache() {
	appsDir := r.cfg.AppsDir()
	entries, err := os.ReadDir(appsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cache sweep failed", logfields.Path(appsDir), logfields.Error(err))
		}
		return
	}

	cutoff := r.now().Add(-cacheMaxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(appsDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("removing stale checkout failed", logfields.Path(path), logfields.Error(err))
			continue
		}
		slog.Info("removed stale checkout", logfields.Path(path),
			slog.Time("mod_time", info.ModTime()))
	}
}
