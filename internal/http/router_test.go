package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/deploydeck/deploydeck/internal/domain"
	"github.com/deploydeck/deploydeck/internal/ports"
	"github.com/deploydeck/deploydeck/internal/realtime"
	"github.com/deploydeck/deploydeck/internal/repository"
	"github.com/deploydeck/deploydeck/internal/service/ingest"
	"github.com/deploydeck/deploydeck/pkg/jwt"
)

const testSecret = "router-test-secret"

type fakeIngest struct {
	err  error
	last ingest.Notification
}

func (f *fakeIngest) Process(_ context.Context, n ingest.Notification) error {
	f.last = n
	return f.err
}

type fakePorts struct {
	reg     *domain.PortRegistration
	err     error
	purged  int
	free    bool
	cleaned bool
}

func (f *fakePorts) Allocate(_ context.Context, _, _ string, _ int) (*domain.PortRegistration, error) {
	return f.reg, f.err
}

func (f *fakePorts) MarkInUse(_ context.Context, _, _ string) (*domain.PortRegistration, error) {
	return f.reg, f.err
}

func (f *fakePorts) Release(_ context.Context, _ string) (*domain.PortRegistration, error) {
	return f.reg, f.err
}

func (f *fakePorts) GetByProject(_ context.Context, _ string) (*domain.PortRegistration, error) {
	return f.reg, f.err
}

func (f *fakePorts) GetByPort(_ context.Context, _ int) (*domain.PortRegistration, error) {
	return f.reg, f.err
}

func (f *fakePorts) List(_ context.Context) ([]domain.PortRegistration, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.reg == nil {
		return nil, nil
	}
	return []domain.PortRegistration{*f.reg}, nil
}

func (f *fakePorts) AllocatedPorts(_ context.Context) ([]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []int{3001}, nil
}

func (f *fakePorts) IsFree(_ context.Context, _ int) (bool, error) {
	return f.free, f.err
}

func (f *fakePorts) CleanupExpired(_ context.Context) (int, error) {
	f.cleaned = true
	return f.purged, f.err
}

type fakeDeployments struct {
	list []domain.Deployment
	err  error
}

func (f *fakeDeployments) ListDeploymentsByProject(_ context.Context, _ string, _ int) ([]domain.Deployment, error) {
	return f.list, f.err
}

type fakeSteps struct {
	list []domain.DeploymentStep
	err  error
}

func (f *fakeSteps) ListSteps(_ context.Context, _ string) ([]domain.DeploymentStep, error) {
	return f.list, f.err
}

type fakeProjects struct {
	project *domain.Project
	err     error
}

func (f *fakeProjects) GetProjectByName(_ context.Context, _ string) (*domain.Project, error) {
	return f.project, f.err
}

type fakeTrigger struct {
	triggered bool
}

func (f *fakeTrigger) TriggerNow() { f.triggered = true }

type routerFixture struct {
	router  *Router
	ingest  *fakeIngest
	ports   *fakePorts
	trigger *fakeTrigger
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fi := &fakeIngest{}
	fp := &fakePorts{free: true}
	ft := &fakeTrigger{}
	hub := realtime.NewHub(nil, 30*time.Second, time.Minute, logger)
	router := NewRouter(Deps{
		Logger:      logger,
		Ingest:      fi,
		Ports:       fp,
		Deployments: &fakeDeployments{list: []domain.Deployment{{ID: "dep-1", Project: "blog"}}},
		Steps:       &fakeSteps{},
		Projects:    &fakeProjects{project: &domain.Project{Name: "blog"}},
		Hub:         hub,
		Trigger:     ft,
		JWTSecret:   testSecret,
		DBHealth:    func(context.Context) error { return nil },
		RedisHealth: func(context.Context) error { return nil },
	})
	t.Cleanup(router.Close)
	return &routerFixture{router: router, ingest: fi, ports: fp, trigger: ft}
}

func authToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.GenerateToken("u1", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func doRequest(fx *routerFixture, method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.1.2.3:4444"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response body %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestWebhookAccepted(t *testing.T) {
	fx := newFixture(t)
	body := `{"type":"deployment_started","project":"blog","repository":"r","branch":"main","commit_hash":"abc","status":"running"}`
	rec := doRequest(fx, http.MethodPost, "/webhook", body, "")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env["success"] != true {
		t.Fatalf("expected success envelope, got %v", env)
	}
	if fx.ingest.last.Project != "blog" {
		t.Fatalf("notification not forwarded: %+v", fx.ingest.last)
	}
}

func TestWebhookInvalidJSON(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodPost, "/webhook", "{broken", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env["success"] != false {
		t.Fatalf("expected failure envelope, got %v", env)
	}
}

func TestWebhookValidationError(t *testing.T) {
	fx := newFixture(t)
	fx.ingest.err = ingest.ErrInvalid
	rec := doRequest(fx, http.MethodPost, "/webhook", `{"type":"x"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid notification, got %d", rec.Code)
	}
}

func TestWebhookStoreFailure(t *testing.T) {
	fx := newFixture(t)
	fx.ingest.err = errors.New("pg down")
	rec := doRequest(fx, http.MethodPost, "/webhook", `{"type":"x"}`, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for store failure, got %d", rec.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodGet, "/webhook", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestDeploymentsRequireAuth(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodGet, "/deployments/blog", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDeploymentsList(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodGet, "/deployments/blog", "", authToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data, ok := env["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("expected 1 deployment in data, got %v", env["data"])
	}
}

func TestProjectRead(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodGet, "/projects/blog", "", authToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProjectNotFound(t *testing.T) {
	fx := newFixture(t)
	fx.router.projects = &fakeProjects{err: repository.ErrNotFound}
	rec := doRequest(fx, http.MethodGet, "/projects/ghost", "", authToken(t))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPortAllocate(t *testing.T) {
	fx := newFixture(t)
	fx.ports.reg = &domain.PortRegistration{ProjectID: "p1", Port: 3001, Status: domain.PortAllocated}
	body := `{"project_id":"p1","project_name":"blog"}`
	rec := doRequest(fx, http.MethodPost, "/ports/allocate", body, authToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPortAllocateMissingProject(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodPost, "/ports/allocate", `{}`, authToken(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPortAllocateCapacity(t *testing.T) {
	fx := newFixture(t)
	fx.ports.err = ports.ErrCapacity
	body := `{"project_id":"p1"}`
	rec := doRequest(fx, http.MethodPost, "/ports/allocate", body, authToken(t))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when range exhausted, got %d", rec.Code)
	}
}

func TestPortLookupNotFound(t *testing.T) {
	fx := newFixture(t)
	fx.ports.err = ports.ErrNotFound
	rec := doRequest(fx, http.MethodGet, "/ports/project/ghost", "", authToken(t))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPortCheck(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodGet, "/ports/check/3001", "", authToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data, ok := env["data"].(map[string]any)
	if !ok || data["available"] != true {
		t.Fatalf("expected available=true, got %v", env["data"])
	}
}

func TestPortCheckBadNumber(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodGet, "/ports/check/banana", "", authToken(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPortCleanup(t *testing.T) {
	fx := newFixture(t)
	fx.ports.purged = 3
	rec := doRequest(fx, http.MethodPost, "/ports/cleanup", "", authToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !fx.ports.cleaned {
		t.Fatal("cleanup not invoked")
	}
}

func TestStatusCollectTriggers(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodPost, "/status/collect", "", authToken(t))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !fx.trigger.triggered {
		t.Fatal("trigger not invoked")
	}
}

func TestHealthzHealthy(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthzDegraded(t *testing.T) {
	fx := newFixture(t)
	fx.router.dbHealth = func(context.Context) error { return errors.New("dial refused") }
	rec := doRequest(fx, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if payload["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", payload["status"])
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	fx := newFixture(t)
	rec := doRequest(fx, http.MethodGet, "/deployments/blog", "", "not-a-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
