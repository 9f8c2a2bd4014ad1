package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
)

type fakeJobs struct {
	jobs    map[string]*store.Job
	upserts int
}

func newFakeJobs(jobs ...*store.Job) *fakeJobs {
	f := &fakeJobs{jobs: map[string]*store.Job{}}
	for _, j := range jobs {
		f.jobs[j.BuildID] = j
	}
	return f
}

func (f *fakeJobs) Upsert(_ context.Context, job *store.Job) error {
	f.upserts++
	copied := *job
	f.jobs[job.BuildID] = &copied
	return nil
}

func (f *fakeJobs) FindByID(_ context.Context, id string) (*store.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) Find(_ context.Context, filter bson.M, _ bson.D, limit, skip int64, fn func(*store.Job) error) error {
	matched := make([]*store.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		if code, ok := filter["code"]; ok && job.Code != code.(int32) {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Date.After(matched[j].Date) })

	for i, job := range matched {
		if int64(i) < skip {
			continue
		}
		if limit > 0 && int64(i) >= skip+limit {
			break
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return nil
}

type fakePublisher struct {
	channels []string
	messages []string
}

func (f *fakePublisher) Publish(_ context.Context, channel, msg string) {
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, msg)
}

type fakeResolver struct{}

func (fakeResolver) PublicURL(fid string) string { return "http://blob:8080/" + fid }

func testServer(t *testing.T, jobs *fakeJobs) (*Server, *fakePublisher) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Manager = true
	cfg.IP = "m1"

	publisher := &fakePublisher{}
	return NewServer(&cfg, jobs, publisher, fakeResolver{}, nil), publisher
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func storedJob(code int32, fid string) *store.Job {
	var p store.BuildParams
	p.Version.SourceURL = "https://example/demo.git"
	p.Configs.Framework = store.FrameworkNormal
	job := store.NewJob(p, "m1")
	job.Code = code
	job.Fid = fid
	return job
}

func TestSubmit(t *testing.T) {
	jobs := newFakeJobs()
	s, publisher := testServer(t, jobs)

	body := `{"version":{"source_url":"git@example.com:a/demo.git"},"configs":{"framework":"normal"}}`
	rec := doRequest(t, s, http.MethodPost, "/app/build", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		OK   bool              `json:"ok"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	require.NotEmpty(t, resp.Data["id"])

	stored, err := jobs.FindByID(context.Background(), resp.Data["id"])
	require.NoError(t, err)
	assert.Equal(t, store.CodeWaiting, stored.Code)
	assert.Equal(t, "m1-"+config.Version, stored.Operate)

	require.Len(t, publisher.messages, 1)
	assert.Equal(t, resp.Data["id"], publisher.messages[0])
	assert.Equal(t, "build_work", publisher.channels[0])
}

func TestSubmitMalformedBody(t *testing.T) {
	jobs := newFakeJobs()
	s, publisher := testServer(t, jobs)

	rec := doRequest(t, s, http.MethodPost, "/app/build", `{"version":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
	assert.Empty(t, publisher.messages)
	assert.Zero(t, jobs.upserts)
}

func TestSubmitUnknownFramework(t *testing.T) {
	jobs := newFakeJobs()
	s, _ := testServer(t, jobs)

	body := `{"version":{"source_url":"x"},"configs":{"framework":"mdm_4.2"}}`
	rec := doRequest(t, s, http.MethodPost, "/app/build", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "framework")
}

func TestQuerySuccessJob(t *testing.T) {
	job := storedJob(store.CodeSuccess, "3,apk")
	s, _ := testServer(t, newFakeJobs(job))

	rec := doRequest(t, s, http.MethodGet, "/app/query/"+job.BuildID, "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 0, resp["status"])
	assert.Equal(t, "打包成功", resp["msg"])
	assert.Equal(t, "/app/package/"+job.BuildID+".apk", resp["downloadPath"])
}

func TestQueryUnknownID(t *testing.T) {
	s, _ := testServer(t, newFakeJobs())

	rec := doRequest(t, s, http.MethodGet, "/app/query/nope", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, -1, resp["status"])
	assert.Equal(t, "非法id", resp["msg"])
}

func TestListFiltersByStatus(t *testing.T) {
	success := storedJob(store.CodeSuccess, "3,apk")
	waiting := storedJob(store.CodeWaiting, "")
	s, _ := testServer(t, newFakeJobs(success, waiting))

	rec := doRequest(t, s, http.MethodGet, "/app/query?status=2", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		OK   bool        `json:"ok"`
		Data []store.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, waiting.BuildID, resp.Data[0].BuildID)
}

func TestListPaginates(t *testing.T) {
	jobs := newFakeJobs()
	for i := 0; i < 25; i++ {
		job := storedJob(store.CodeSuccess, "")
		job.Date = time.Now().UTC().Add(-time.Duration(i) * time.Minute)
		jobs.jobs[job.BuildID] = job
	}
	s, _ := testServer(t, jobs)

	rec := doRequest(t, s, http.MethodGet, "/app/query", "")
	var resp struct {
		Data []store.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, defaultPageSize)

	rec = doRequest(t, s, http.MethodGet, "/app/query?page=1&page_size=20", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 5)
}

func TestDownloadRedirects(t *testing.T) {
	job := storedJob(store.CodeSuccess, "3,01637037d6")
	s, _ := testServer(t, newFakeJobs(job))

	rec := doRequest(t, s, http.MethodGet, "/app/package/"+job.BuildID+".apk", "")

	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "http://blob:8080/3,01637037d6", rec.Header().Get("Location"))
}

func TestDownloadMissingArtifact(t *testing.T) {
	job := storedJob(store.CodeWaiting, "")
	s, _ := testServer(t, newFakeJobs(job))

	rec := doRequest(t, s, http.MethodGet, "/app/package/"+job.BuildID+".apk", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/app/package/nope.apk", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEcho(t *testing.T) {
	s, _ := testServer(t, newFakeJobs())

	rec := doRequest(t, s, http.MethodPost, "/test/post", `{"ping":"pong"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ping":"pong"`)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestHello(t *testing.T) {
	s, _ := testServer(t, newFakeJobs())

	rec := doRequest(t, s, http.MethodGet, "/", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "hello world"))
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t, newFakeJobs())

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
