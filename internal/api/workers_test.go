package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

type mockWorkerRepo struct{ mock.Mock }

func (m *mockWorkerRepo) CreateWorker(ctx context.Context, worker *workers.Worker) error {
	return m.Called(ctx, worker).Error(0)
}

func (m *mockWorkerRepo) GetWorker(ctx context.Context, id uuid.UUID) (*workers.Worker, error) {
	args := m.Called(ctx, id)
	if w := args.Get(0); w != nil {
		return w.(*workers.Worker), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkerRepo) GetWorkerByName(ctx context.Context, name string) (*workers.Worker, error) {
	args := m.Called(ctx, name)
	if w := args.Get(0); w != nil {
		return w.(*workers.Worker), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkerRepo) ListWorkers(ctx context.Context) ([]*workers.Worker, error) {
	args := m.Called(ctx)
	if ws := args.Get(0); ws != nil {
		return ws.([]*workers.Worker), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkerRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status workers.WorkerStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *mockWorkerRepo) DeleteWorker(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

// fakeProvisioner blocks deploy/uninstall until released so tests can prove
// the request does not wait on provisioning.
type fakeProvisioner struct {
	release     chan struct{}
	deployed    chan uuid.UUID
	uninstalled chan uuid.UUID
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		release:     make(chan struct{}),
		deployed:    make(chan uuid.UUID, 1),
		uninstalled: make(chan uuid.UUID, 1),
	}
}

func (f *fakeProvisioner) DeployWorker(_ context.Context, id uuid.UUID) error {
	<-f.release
	f.deployed <- id
	return nil
}

func (f *fakeProvisioner) UninstallWorker(_ context.Context, id uuid.UUID) error {
	<-f.release
	f.uninstalled <- id
	return nil
}

func newTestServer(t *testing.T, registry workers.WorkerRepository) *Server {
	t.Helper()
	return newTestServerWithFleet(t, registry, newFakeProvisioner())
}

func newTestServerWithFleet(t *testing.T, registry workers.WorkerRepository, fleet WorkerProvisioner) *Server {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test-tracer")
	return NewServer(":0", nil, fleet, registry, nil, logger.Noop(), tracer)
}

func TestRegisterWorker(t *testing.T) {
	repo := new(mockWorkerRepo)
	repo.On("CreateWorker", mock.Anything, mock.MatchedBy(func(w *workers.Worker) bool {
		return w.Name() == "edge-1" && w.Address() == "10.0.0.5" && !w.IsLocal()
	})).Return(nil)

	srv := newTestServer(t, repo)

	body := `{"name":"edge-1","address":"10.0.0.5","port":22,"ssh_user":"recon"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/workers/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp workerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "edge-1", resp.Name)
	assert.Equal(t, string(workers.WorkerStatusPending), resp.Status)
	repo.AssertExpectations(t)
}

func TestRegisterWorker_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing name", body: `{"address":"10.0.0.5","port":22}`},
		{name: "remote without address", body: `{"name":"edge-1","port":22}`},
		{name: "malformed json", body: `{"name":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockWorkerRepo)
			srv := newTestServer(t, repo)

			req := httptest.NewRequest(http.MethodPost, "/v1/workers/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			repo.AssertNotCalled(t, "CreateWorker", mock.Anything, mock.Anything)
		})
	}
}

func TestListWorkers(t *testing.T) {
	local, err := workers.NewWorker(uuid.New(), "local", "", 0, workers.Credentials{}, true)
	require.NoError(t, err)
	remote, err := workers.NewWorker(uuid.New(), "edge-1", "10.0.0.5", 22, workers.Credentials{User: "recon"}, false)
	require.NoError(t, err)

	repo := new(mockWorkerRepo)
	repo.On("ListWorkers", mock.Anything).Return([]*workers.Worker{local, remote}, nil)

	srv := newTestServer(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/v1/workers/", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp []workerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "local", resp[0].Name)
	assert.True(t, resp[0].Local)
	assert.Equal(t, "edge-1", resp[1].Name)
}

func TestDeleteWorker(t *testing.T) {
	id := uuid.New()

	t.Run("deletes known worker", func(t *testing.T) {
		repo := new(mockWorkerRepo)
		repo.On("DeleteWorker", mock.Anything, id).Return(nil)
		srv := newTestServer(t, repo)

		req := httptest.NewRequest(http.MethodDelete, "/v1/workers/"+id.String(), nil)
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		repo.AssertExpectations(t)
	})

	t.Run("unknown worker returns 404", func(t *testing.T) {
		repo := new(mockWorkerRepo)
		repo.On("DeleteWorker", mock.Anything, id).Return(workers.ErrWorkerNotFound)
		srv := newTestServer(t, repo)

		req := httptest.NewRequest(http.MethodDelete, "/v1/workers/"+id.String(), nil)
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("garbage id returns 400", func(t *testing.T) {
		repo := new(mockWorkerRepo)
		srv := newTestServer(t, repo)

		req := httptest.NewRequest(http.MethodDelete, "/v1/workers/not-a-uuid", nil)
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		repo.AssertNotCalled(t, "DeleteWorker", mock.Anything, mock.Anything)
	})
}

func TestDeployWorker_RunsDetachedFromTheRequest(t *testing.T) {
	id := uuid.New()
	worker, err := workers.NewWorker(id, "edge-1", "10.0.0.5", 22, workers.Credentials{User: "recon"}, false)
	require.NoError(t, err)

	repo := new(mockWorkerRepo)
	repo.On("GetWorker", mock.Anything, id).Return(worker, nil)
	fleet := newFakeProvisioner()
	srv := newTestServerWithFleet(t, repo, fleet)

	req := httptest.NewRequest(http.MethodPost, "/v1/workers/"+id.String()+"/deploy", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	// The response lands while the provisioner is still held, so the request
	// never waited on SSH or the image pull.
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	close(fleet.release)
	select {
	case got := <-fleet.deployed:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("deploy never reached the distributor")
	}
}

func TestDeployWorker_UnknownWorkerIsRejectedUpFront(t *testing.T) {
	id := uuid.New()

	repo := new(mockWorkerRepo)
	repo.On("GetWorker", mock.Anything, id).Return(nil, workers.ErrWorkerNotFound)
	fleet := newFakeProvisioner()
	close(fleet.release)
	srv := newTestServerWithFleet(t, repo, fleet)

	req := httptest.NewRequest(http.MethodPost, "/v1/workers/"+id.String()+"/deploy", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	select {
	case <-fleet.deployed:
		t.Fatal("provisioning started for an unknown worker")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUninstallWorker_RunsDetachedFromTheRequest(t *testing.T) {
	id := uuid.New()
	worker, err := workers.NewWorker(id, "edge-1", "10.0.0.5", 22, workers.Credentials{User: "recon"}, false)
	require.NoError(t, err)

	repo := new(mockWorkerRepo)
	repo.On("GetWorker", mock.Anything, id).Return(worker, nil)
	fleet := newFakeProvisioner()
	srv := newTestServerWithFleet(t, repo, fleet)

	req := httptest.NewRequest(http.MethodPost, "/v1/workers/"+id.String()+"/uninstall", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	close(fleet.release)
	select {
	case got := <-fleet.uninstalled:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("uninstall never reached the distributor")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, new(mockWorkerRepo))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateJob_ValidatesBeforeDispatch(t *testing.T) {
	srv := newTestServer(t, new(mockWorkerRepo))

	tests := []struct {
		name string
		body string
	}{
		{name: "missing target", body: `{"engine_id":"` + uuid.New().String() + `"}`},
		{name: "missing engine", body: `{"target":"example.com"}`},
		{name: "malformed body", body: `{]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}
