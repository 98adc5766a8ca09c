// Package integration provides a reusable test harness for end-to-end
// integration testing of the stagegate server. It starts a full HTTP server
// with templates loaded from YAML, a role mapping file, a Redis-backed
// idempotency store, a recording notification queue and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/stagegate/internal/config"
	"github.com/pitabwire/stagegate/internal/definition"
	"github.com/pitabwire/stagegate/internal/evidence"
	"github.com/pitabwire/stagegate/internal/idempotency"
	"github.com/pitabwire/stagegate/internal/notify"
	"github.com/pitabwire/stagegate/internal/observability"
	"github.com/pitabwire/stagegate/internal/openapi"
	"github.com/pitabwire/stagegate/internal/roles"
	"github.com/pitabwire/stagegate/internal/transport"
	"github.com/pitabwire/stagegate/internal/workflow"
)

const transitionQueue = "transitions"

// TestHarness encapsulates a fully wired stagegate instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry      *definition.Registry
	WorkflowStore *workflow.MemoryWorkflowStore
	Engine        *workflow.Engine
	Evidence      *evidence.MemoryStore
	Redis         *miniredis.Miniredis
	Queue         *RecordingQueue
	Metrics       *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDirs   []string
	roleMapping    string
	cancelRoles    []string
	idempotency    bool
	handlerTimeout time.Duration
	maxUpload      int64
}

// WithTemplates sets the template directories to load.
func WithTemplates(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateDirs = dirs
	}
}

// WithRoleMapping sets the role mapping file. An empty path uses token
// roles as they are.
func WithRoleMapping(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.roleMapping = path
	}
}

// WithCancelRoles restricts cancellation to the given roles.
func WithCancelRoles(roles ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.cancelRoles = roles
	}
}

// WithoutIdempotency disables the idempotency middleware.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = false
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithMaxUpload sets the evidence upload limit.
func WithMaxUpload(n int64) HarnessOption {
	return func(c *harnessConfig) {
		c.maxUpload = n
	}
}

// NewTestHarness creates and starts a full stagegate test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		templateDirs:   []string{filepath.Join(testdataDir(), "templates")},
		roleMapping:    filepath.Join(testdataDir(), "roles.yaml"),
		idempotency:    true,
		handlerTimeout: 10 * time.Second,
		maxUpload:      1 << 20,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t, Queue: &RecordingQueue{}}
	logger := zaptest.NewLogger(t)

	// Step 1: Load and validate templates.
	files, err := definition.NewLoader().LoadAll(hc.templateDirs)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	if verrs := definition.NewValidator().Validate(files); len(verrs) > 0 {
		t.Fatalf("template validation: %v", verrs)
	}
	h.Registry = definition.NewRegistry(files)

	// Step 2: Role resolution.
	var resolver *roles.Resolver
	if hc.roleMapping != "" {
		source, err := roles.NewStaticSource(hc.roleMapping)
		if err != nil {
			t.Fatalf("load role mapping: %v", err)
		}
		resolver = roles.NewResolver(source, 0) // no caching in tests
	} else {
		resolver = roles.NewResolver(roles.PassthroughSource{}, 0)
	}

	// Step 3: Stores.
	h.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h.WorkflowStore = workflow.NewMemoryWorkflowStore()
	h.Evidence = evidence.NewMemoryStore()
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())

	// Step 4: Engine with audit log and queued notifications.
	sink := notify.Fanout{
		notify.NewLogSink(logger),
		notify.NewQueueSink(h.Queue, transitionQueue, 3),
	}
	h.Engine = workflow.NewEngine(h.Registry, h.WorkflowStore,
		workflow.WithEventSink(sink),
		workflow.WithLogger(logger),
		workflow.WithRecorder(h.Metrics),
		workflow.WithCancelRoles(hc.cancelRoles...),
	)

	contract, err := openapi.Load()
	if err != nil {
		t.Fatalf("load API contract: %v", err)
	}

	// Step 5: JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 6: Config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
		MaxAge:         86400,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "groups",
		},
	}
	h.cfg.Idempotency.Enabled = hc.idempotency
	h.cfg.Idempotency.Store.DefaultTTL = time.Hour
	h.cfg.Evidence.MaxUploadBytes = hc.maxUpload

	// Step 7: Router with the full middleware chain.
	authCtx, stopAuth := context.WithCancel(context.Background())
	t.Cleanup(stopAuth)
	verifier, err := transport.NewTokenVerifier(authCtx, h.cfg.Identity, logger.Named("auth"))
	if err != nil {
		t.Fatalf("token verifier: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(verifier),
		RoleResolver: resolver,
		Engine:       h.Engine,
		Evidence:     h.Evidence,
		Idempotency:  idempotency.NewRedisStore(rdb),
		Contract:     contract,
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded: func() bool { return h.Registry.Len() > 0 },
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// DeliverQueued hands every queued transition task to a task handler
// delivering through notifier and clears the queue.
func (h *TestHarness) DeliverQueued(notifier notify.Notifier) error {
	h.t.Helper()
	handler := notify.NewTaskHandler(notifier, zaptest.NewLogger(h.t)).WithRecorder(h.Metrics)
	for _, task := range h.Queue.Drain() {
		if err := handler.ProcessTransition(context.Background(), task); err != nil {
			return err
		}
	}
	return nil
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Recording queue ---

// RecordingQueue captures tasks that would be enqueued on Redis.
type RecordingQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	ids   map[string]bool
}

// EnqueueContext records the task. A repeated task ID is rejected the way
// asynq rejects duplicates.
func (q *RecordingQueue) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	info := &asynq.TaskInfo{Type: task.Type(), Payload: task.Payload()}
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			info.ID = opt.Value().(string)
		case asynq.QueueOpt:
			info.Queue = opt.Value().(string)
		}
	}
	if info.ID != "" {
		if q.ids == nil {
			q.ids = make(map[string]bool)
		}
		if q.ids[info.ID] {
			return nil, asynq.ErrTaskIDConflict
		}
		q.ids[info.ID] = true
	}
	q.tasks = append(q.tasks, task)
	return info, nil
}

// Len returns the number of queued tasks.
func (q *RecordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain returns and clears the queued tasks.
func (q *RecordingQueue) Drain() []*asynq.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

// --- Default test claims ---

// DesignerClaims returns TestClaims for a member of the design team.
func DesignerClaims() TestClaims {
	return TestClaims{SubjectID: "user-nok", Email: "nok@factory.example.com", Groups: []string{"design-team"}}
}

// SalesClaims returns TestClaims for a sales representative.
func SalesClaims() TestClaims {
	return TestClaims{SubjectID: "user-somchai", Email: "somchai@factory.example.com", Groups: []string{"sales-bkk"}}
}

// PurchasingClaims returns TestClaims for purchasing staff, who hold both
// Procurement and Warehouse.
func PurchasingClaims() TestClaims {
	return TestClaims{SubjectID: "user-malee", Email: "malee@factory.example.com", Groups: []string{"purchasing"}}
}

// FactoryClaims returns TestClaims for a production operator.
func FactoryClaims() TestClaims {
	return TestClaims{SubjectID: "user-anan", Email: "anan@factory.example.com", Groups: []string{"factory-floor"}}
}

// ShippingClaims returns TestClaims for logistics staff.
func ShippingClaims() TestClaims {
	return TestClaims{SubjectID: "user-preecha", Email: "preecha@factory.example.com", Groups: []string{"shipping"}}
}

// SupervisorClaims returns TestClaims for a subject mapped to Supervisor
// and Sales directly, without groups.
func SupervisorClaims() TestClaims {
	return TestClaims{SubjectID: "user-niran", Email: "niran@factory.example.com"}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// StagePath builds the path of a stage operation.
func StagePath(instanceID, stageKey, op string) string {
	return fmt.Sprintf("/api/v1/instances/%s/stages/%s/%s", instanceID, stageKey, op)
}
