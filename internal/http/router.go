package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deploydeck/deploydeck/internal/domain"
	"github.com/deploydeck/deploydeck/internal/ports"
	"github.com/deploydeck/deploydeck/internal/realtime"
	"github.com/deploydeck/deploydeck/internal/repository"
	"github.com/deploydeck/deploydeck/internal/service/ingest"
)

// IngestService applies webhook notifications.
type IngestService interface {
	Process(ctx context.Context, n ingest.Notification) error
}

// PortService is the port registry surface exposed over HTTP.
type PortService interface {
	Allocate(ctx context.Context, projectID, projectName string, preferred int) (*domain.PortRegistration, error)
	MarkInUse(ctx context.Context, projectID, deploymentID string) (*domain.PortRegistration, error)
	Release(ctx context.Context, projectID string) (*domain.PortRegistration, error)
	GetByProject(ctx context.Context, projectID string) (*domain.PortRegistration, error)
	GetByPort(ctx context.Context, port int) (*domain.PortRegistration, error)
	List(ctx context.Context) ([]domain.PortRegistration, error)
	AllocatedPorts(ctx context.Context) ([]int, error)
	IsFree(ctx context.Context, port int) (bool, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// DeploymentReader serves the dashboard's deployment history reads.
type DeploymentReader interface {
	ListDeploymentsByProject(ctx context.Context, project string, limit int) ([]domain.Deployment, error)
}

// StepReader lists a deployment's steps.
type StepReader interface {
	ListSteps(ctx context.Context, deploymentID string) ([]domain.DeploymentStep, error)
}

// ProjectReader serves project reads.
type ProjectReader interface {
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
}

// StatusTrigger requests an immediate status sweep.
type StatusTrigger interface {
	TriggerNow()
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	ingest      IngestService
	ports       PortService
	deployments DeploymentReader
	steps       StepReader
	projects    ProjectReader
	hub         *realtime.Hub
	trigger     StatusTrigger
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	dbHealth    func(context.Context) error
	redisHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWebhook   = 600
	rateLimitRead      = 120
	rateLimitWrite     = 60
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	defaultListLimit   = 50
)

// Deps bundles router dependencies.
type Deps struct {
	Logger      *slog.Logger
	Ingest      IngestService
	Ports       PortService
	Deployments DeploymentReader
	Steps       StepReader
	Projects    ProjectReader
	Hub         *realtime.Hub
	Trigger     StatusTrigger
	Limiter     RateLimiter
	JWTSecret   string
	DBHealth    func(context.Context) error
	RedisHealth func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		ingest:      deps.Ingest,
		ports:       deps.Ports,
		deployments: deps.Deployments,
		steps:       deps.Steps,
		projects:    deps.Projects,
		hub:         deps.Hub,
		trigger:     deps.Trigger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     deps.Limiter,
		jwtSecret:   deps.JWTSecret,
		dbHealth:    deps.DBHealth,
		redisHealth: deps.RedisHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhook", r.audit("/webhook", r.withRateLimit("/webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments", r.handlerAuthRate("/deployments", rateLimitRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/projects/", r.audit("/projects", r.handlerAuthRate("/projects", rateLimitRead, rateWindowDefault, r.handleProject)))
	r.mux.HandleFunc("/ports/", r.audit("/ports", r.handlerAuthRate("/ports", rateLimitWrite, rateWindowDefault, r.handlePorts)))
	r.mux.HandleFunc("/status/collect", r.audit("/status/collect", r.handlerAuthRate("/status/collect", rateLimitWrite, rateWindowDefault, r.handleStatusCollect)))
	r.mux.HandleFunc("/ws", r.audit("/ws", r.handlerAuthRate("/ws", rateLimitWebsocket, rateWindowRealtime, r.handleWS)))
}

// handleWebhook ingests one pipeline notification. Invalid payloads get
// 400; a failed durable write gets 503 so the pipeline retries.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var n ingest.Notification
	if err := json.NewDecoder(req.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.ingest.Process(req.Context(), n); err != nil {
		if errors.Is(err, ingest.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.logger.Error("notification processing failed", "type", n.Type, "project", n.Project, "error", err)
		writeError(w, http.StatusServiceUnavailable, "deployment store unavailable")
		return
	}
	writeMessage(w, http.StatusAccepted, "notification accepted")
}

// handleDeployments serves GET /deployments/{project} and
// GET /deployments/{project}/{id}/steps.
func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	project := parts[0]
	switch {
	case len(parts) == 1:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = defaultListLimit
		}
		deployments, err := r.deployments.ListDeploymentsByProject(req.Context(), project, limit)
		if err != nil {
			r.writeStoreError(w, err)
			return
		}
		writeData(w, http.StatusOK, deployments)
	case len(parts) == 3 && parts[2] == "steps":
		steps, err := r.steps.ListSteps(req.Context(), parts[1])
		if err != nil {
			r.writeStoreError(w, err)
			return
		}
		writeData(w, http.StatusOK, steps)
	default:
		r.notFound(w)
	}
}

// handleProject serves GET /projects/{name}.
func (r *Router) handleProject(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	name := strings.TrimPrefix(req.URL.Path, "/projects/")
	if name == "" || strings.Contains(name, "/") {
		r.notFound(w)
		return
	}
	project, err := r.projects.GetProjectByName(req.Context(), name)
	if err != nil {
		r.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, project)
}

func (r *Router) handlePorts(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/ports/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	switch parts[0] {
	case "allocate":
		r.handlePortAllocate(w, req)
	case "mark-in-use":
		r.handlePortMarkInUse(w, req, parts)
	case "release":
		r.handlePortRelease(w, req, parts)
	case "project":
		r.handlePortByProject(w, req, parts)
	case "port":
		r.handlePortByNumber(w, req, parts)
	case "all":
		r.handlePortList(w, req)
	case "allocated-ports":
		r.handleAllocatedPorts(w, req)
	case "check":
		r.handlePortCheck(w, req, parts)
	case "cleanup":
		r.handlePortCleanup(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePortAllocate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID     string `json:"project_id"`
		ProjectName   string `json:"project_name"`
		PreferredPort int    `json:"preferred_port"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	reg, err := r.ports.Allocate(req.Context(), payload.ProjectID, payload.ProjectName, payload.PreferredPort)
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, reg)
}

func (r *Router) handlePortMarkInUse(w http.ResponseWriter, req *http.Request, parts []string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if len(parts) != 2 || parts[1] == "" {
		r.notFound(w)
		return
	}
	var payload struct {
		DeploymentID string `json:"deployment_id"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	reg, err := r.ports.MarkInUse(req.Context(), parts[1], payload.DeploymentID)
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, reg)
}

func (r *Router) handlePortRelease(w http.ResponseWriter, req *http.Request, parts []string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if len(parts) != 2 || parts[1] == "" {
		r.notFound(w)
		return
	}
	reg, err := r.ports.Release(req.Context(), parts[1])
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, reg)
}

func (r *Router) handlePortByProject(w http.ResponseWriter, req *http.Request, parts []string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if len(parts) != 2 || parts[1] == "" {
		r.notFound(w)
		return
	}
	reg, err := r.ports.GetByProject(req.Context(), parts[1])
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, reg)
}

func (r *Router) handlePortByNumber(w http.ResponseWriter, req *http.Request, parts []string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	port, ok := r.parsePort(w, parts)
	if !ok {
		return
	}
	reg, err := r.ports.GetByPort(req.Context(), port)
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, reg)
}

func (r *Router) handlePortList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	regs, err := r.ports.List(req.Context())
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, regs)
}

func (r *Router) handleAllocatedPorts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	allocated, err := r.ports.AllocatedPorts(req.Context())
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, allocated)
}

func (r *Router) handlePortCheck(w http.ResponseWriter, req *http.Request, parts []string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	port, ok := r.parsePort(w, parts)
	if !ok {
		return
	}
	free, err := r.ports.IsFree(req.Context(), port)
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"port": port, "available": free})
}

func (r *Router) handlePortCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	purged, err := r.ports.CleanupExpired(req.Context())
	if err != nil {
		r.writePortError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"purged": purged})
}

func (r *Router) parsePort(w http.ResponseWriter, parts []string) (int, bool) {
	if len(parts) != 2 || parts[1] == "" {
		r.notFound(w)
		return 0, false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 {
		writeError(w, http.StatusBadRequest, "invalid port number")
		return 0, false
	}
	return port, true
}

// handleStatusCollect requests an immediate status sweep.
func (r *Router) handleStatusCollect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	r.trigger.TriggerNow()
	writeMessage(w, http.StatusAccepted, "status collection triggered")
}

// handleWS upgrades the request and hands the connection to the hub.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	wsConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	connID := uuid.NewString()
	conn := r.hub.NewConn(connID, info.UserID, realtime.NewWSTransport(wsConn))
	r.hub.Register(conn)
	go realtime.ReadLoop(r.hub, connID, wsConn)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	check := func(name string, probe func(context.Context) error) {
		if probe == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := probe(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
	}
	check("database", r.dbHealth)
	check("redis", r.redisHealth)
	if r.hub != nil {
		components["realtime"] = map[string]any{"status": "up", "connections": r.hub.ConnCount()}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("store read failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "deployment store unavailable")
	}
}

func (r *Router) writePortError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "registration not found")
	case errors.Is(err, ports.ErrCapacity):
		writeError(w, http.StatusConflict, "port range exhausted")
	default:
		r.logger.Error("port registry error", "error", err)
		writeError(w, http.StatusServiceUnavailable, "port registry unavailable")
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
