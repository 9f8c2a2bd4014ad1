package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"git.home.luguber.info/inful/apkbuilder/internal/bus"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
)

type fakeScanner struct {
	pending []*store.Job
	upserts []*store.Job
}

func (f *fakeScanner) Find(_ context.Context, _ bson.M, _ bson.D, limit, _ int64, fn func(*store.Job) error) error {
	for i, job := range f.pending {
		if limit > 0 && int64(i) >= limit {
			break
		}
		copied := *job
		if err := fn(&copied); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeScanner) Upsert(_ context.Context, job *store.Job) error {
	copied := *job
	f.upserts = append(f.upserts, &copied)
	return nil
}

type fakePublisher struct {
	published []string
	channels  []string
}

func (f *fakePublisher) Publish(_ context.Context, channel, msg string) {
	f.channels = append(f.channels, channel)
	f.published = append(f.published, msg)
}

func pendingJob(code int32, updated time.Time) *store.Job {
	var p store.BuildParams
	p.Version.SourceURL = "https://example/demo.git"
	p.Configs.Framework = store.FrameworkNormal
	job := store.NewJob(p, "submitter")
	job.Code = code
	job.UpdateTime = updated
	return job
}

func testReconciler(t *testing.T, jobs *fakeScanner, publisher *fakePublisher) *Reconciler {
	t.Helper()
	cfg := config.Defaults()
	cfg.Manager = true
	cfg.CacheHome = t.TempDir()

	r, err := New(&cfg, jobs, publisher, nil)
	require.NoError(t, err)
	return r
}

func TestTickRepublishesWaiting(t *testing.T) {
	job := pendingJob(store.CodeWaiting, time.Now().UTC())
	jobs := &fakeScanner{pending: []*store.Job{job}}
	publisher := &fakePublisher{}

	r := testReconciler(t, jobs, publisher)
	r.tick(context.Background())

	require.Len(t, publisher.published, 1)
	assert.Equal(t, job.BuildID, publisher.published[0])
	assert.Equal(t, bus.BuildChannel, publisher.channels[0])
	assert.Empty(t, jobs.upserts, "waiting jobs republish without a rewrite")
}

func TestTickLeavesFreshBuildsAlone(t *testing.T) {
	job := pendingJob(store.CodeBuilding, time.Now().UTC().Add(-5*time.Minute))
	jobs := &fakeScanner{pending: []*store.Job{job}}
	publisher := &fakePublisher{}

	r := testReconciler(t, jobs, publisher)
	r.tick(context.Background())

	assert.Empty(t, publisher.published)
	assert.Empty(t, jobs.upserts)
}

func TestTickResetsStalledBuilds(t *testing.T) {
	job := pendingJob(store.CodeBuilding, time.Now().UTC().Add(-25*time.Minute))
	jobs := &fakeScanner{pending: []*store.Job{job}}
	publisher := &fakePublisher{}

	r := testReconciler(t, jobs, publisher)
	r.tick(context.Background())

	require.Len(t, jobs.upserts, 1)
	assert.Equal(t, store.CodeWaiting, jobs.upserts[0].Code)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, job.BuildID, publisher.published[0])
}

func TestTickHonorsLimit(t *testing.T) {
	jobs := &fakeScanner{}
	for i := 0; i < redriveLimit+5; i++ {
		jobs.pending = append(jobs.pending, pendingJob(store.CodeWaiting, time.Now().UTC()))
	}
	publisher := &fakePublisher{}

	r := testReconciler(t, jobs, publisher)
	r.tick(context.Background())

	assert.Len(t, publisher.published, redriveLimit)
}

func TestSweepCacheRemovesStaleCheckouts(t *testing.T) {
	r := testReconciler(t, &fakeScanner{}, &fakePublisher{})

	appsDir := r.cfg.AppsDir()
	stale := filepath.Join(appsDir, "old-project")
	fresh := filepath.Join(appsDir, "new-project")
	require.NoError(t, os.MkdirAll(filepath.Join(stale, "app"), 0o750))
	require.NoError(t, os.MkdirAll(fresh, 0o750))

	old := time.Now().Add(-22 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	recent := time.Now().Add(-20 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(fresh, recent, recent))

	r.sweepCache()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "22 day old checkout must be removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "20 day old checkout must survive")
}

func TestSweepCacheMissingDir(t *testing.T) {
	r := testReconciler(t, &fakeScanner{}, &fakePublisher{})
	// AppsDir was never created; the sweep must be a no-op.
	r.sweepCache()
}
