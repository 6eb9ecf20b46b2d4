package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/example/palm-verify/internal/auth"
	"github.com/example/palm-verify/internal/imagesource"
	"github.com/example/palm-verify/internal/palm"
	"github.com/example/palm-verify/internal/repository"
	"github.com/example/palm-verify/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	verifyOutcome usecase.VerifyOutcome
	enrollOutcome usecase.EnrollOutcome
	result        *repository.VerificationLog
	resultErr     error
	identities    []usecase.IdentitySummary
	locators      []string
	enrolled      []palm.IdentityID
	resets        int
	updates       map[palm.IdentityID]repository.IdentityUpdate
	deleted       []palm.IdentityID
	identityErr   error
}

func (s *stubService) Verify(ctx context.Context, locator string) usecase.VerifyOutcome {
	s.locators = append(s.locators, locator)
	return s.verifyOutcome
}

func (s *stubService) Enroll(ctx context.Context, id palm.IdentityID) usecase.EnrollOutcome {
	s.enrolled = append(s.enrolled, id)
	return s.enrollOutcome
}

func (s *stubService) GetResult(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	return s.result, s.resultErr
}

func (s *stubService) ListIdentities(ctx context.Context) ([]usecase.IdentitySummary, error) {
	return s.identities, nil
}

func (s *stubService) RegisterIdentity(ctx context.Context, name, email string) (usecase.IdentitySummary, error) {
	return usecase.IdentitySummary{ID: 7, Name: name, Email: email}, nil
}

func (s *stubService) ResetPresence(ctx context.Context) (int64, error) {
	s.resets++
	return 3, nil
}

func (s *stubService) UpdateIdentity(ctx context.Context, id palm.IdentityID, update repository.IdentityUpdate) (usecase.IdentitySummary, error) {
	if s.identityErr != nil {
		return usecase.IdentitySummary{}, s.identityErr
	}
	if s.updates == nil {
		s.updates = map[palm.IdentityID]repository.IdentityUpdate{}
	}
	s.updates[id] = update
	summary := usecase.IdentitySummary{ID: id}
	if update.Name != nil {
		summary.Name = *update.Name
	}
	return summary, nil
}

func (s *stubService) DeleteIdentity(ctx context.Context, id palm.IdentityID) error {
	if s.identityErr != nil {
		return s.identityErr
	}
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{TotalRequests: 2}, nil
}

func newTestRouter(svc Service, opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""), opts)
	return router
}

func buildTestToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := auth.IssueToken(testJWTSecret, subject, "", roles, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func doJSON(router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var payload bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&payload).Encode(body)
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestVerifyReturnsMatch(t *testing.T) {
	id := palm.IdentityID(4)
	similarity := float32(0.91)
	svc := &stubService{verifyOutcome: usecase.VerifyOutcome{RequestID: "req-1", Matched: true, IdentityID: &id, Name: "Dana", Similarity: &similarity}}
	router := newTestRouter(svc, Options{})

	resp := doJSON(router, http.MethodPost, "/verify", "", gin.H{"image_path": "queries/a.jpg"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["matched"] != true || body["user_id"] != float64(4) || body["name"] != "Dana" {
		t.Fatalf("unexpected body: %v", body)
	}
	if len(svc.locators) != 1 || svc.locators[0] != "queries/a.jpg" {
		t.Fatalf("unexpected locators: %v", svc.locators)
	}
}

func TestVerifyRejectsBadInput(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, Options{})

	for _, body := range []interface{}{nil, gin.H{}, gin.H{"image_path": "../etc/passwd"}, gin.H{"image_path": "/abs.jpg"}} {
		if resp := doJSON(router, http.MethodPost, "/verify", "", body); resp.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d for %v, got %d", http.StatusBadRequest, body, resp.Code)
		}
	}
	if len(svc.locators) != 0 {
		t.Fatalf("use case must not be called for invalid input")
	}
}

func TestVerifyMapsFailures(t *testing.T) {
	tests := map[string]struct {
		err    error
		status int
	}{
		"no reference data": {palm.ErrNoReferenceData, http.StatusConflict},
		"degenerate":        {fmt.Errorf("normalize: %w", palm.ErrDegenerateInput), http.StatusUnprocessableEntity},
		"shape":             {palm.ErrShape, http.StatusUnprocessableEntity},
		"missing image":     {fmt.Errorf("%w: %w", palm.ErrFetch, imagesource.ErrImageNotFound), http.StatusNotFound},
		"fetch":             {palm.ErrFetch, http.StatusBadGateway},
		"extraction":        {palm.ErrExtraction, http.StatusBadGateway},
		"store":             {palm.ErrStore, http.StatusServiceUnavailable},
		"timeout":           {fmt.Errorf("%w: %w", palm.ErrTimeout, palm.ErrExtraction), http.StatusGatewayTimeout},
		"dimension":         {palm.ErrDimensionMismatch, http.StatusInternalServerError},
		"caller cancelled":  {fmt.Errorf("%w (fetch q.jpg)", context.Canceled), statusClientClosedRequest},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			svc := &stubService{verifyOutcome: usecase.VerifyOutcome{RequestID: "r", Error: tc.err.Error(), Err: tc.err}}
			resp := doJSON(newTestRouter(svc, Options{}), http.MethodPost, "/verify", "", gin.H{"image_path": "q.jpg"})
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, resp.Code)
			}
		})
	}
}

func TestVerifyRateLimited(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, Options{VerifyLimiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	if resp := doJSON(router, http.MethodPost, "/verify", "", gin.H{"image_path": "q.jpg"}); resp.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", resp.Code)
	}
	resp := doJSON(router, http.MethodPost, "/verify", "", gin.H{"image_path": "q.jpg"})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestExtractFeaturesRequiresAdmin(t *testing.T) {
	svc := &stubService{enrollOutcome: usecase.EnrollOutcome{IdentityID: 5, Success: true, Slots: 4}}
	router := newTestRouter(svc, Options{})

	if resp := doJSON(router, http.MethodPost, "/extract_features", "", gin.H{"user_id": 5}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
	viewer := buildTestToken(t, "viewer")
	if resp := doJSON(router, http.MethodPost, "/extract_features", viewer, gin.H{"user_id": 5}); resp.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, resp.Code)
	}

	admin := buildTestToken(t, "operator", auth.RoleAdmin)
	resp := doJSON(router, http.MethodPost, "/extract_features", admin, gin.H{"user_id": 5})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if len(svc.enrolled) != 1 || svc.enrolled[0] != 5 {
		t.Fatalf("unexpected enrollments: %v", svc.enrolled)
	}

	if resp := doJSON(router, http.MethodPost, "/extract_features", admin, gin.H{"user_id": -1}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestExtractFeaturesFailure(t *testing.T) {
	err := fmt.Errorf("commit: %w: %w", palm.ErrStore, palm.ErrIdentityNotFound)
	svc := &stubService{enrollOutcome: usecase.EnrollOutcome{IdentityID: 5, Error: err.Error(), Err: err}}
	router := newTestRouter(svc, Options{})

	resp := doJSON(router, http.MethodPost, "/extract_features", buildTestToken(t, "operator", auth.RoleAdmin), gin.H{"user_id": 5})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestGetResult(t *testing.T) {
	router := newTestRouter(&stubService{resultErr: usecase.ErrResultPending}, Options{})
	if resp := doJSON(router, http.MethodGet, "/result/abc", "", nil); resp.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, resp.Code)
	}

	router = newTestRouter(&stubService{resultErr: repository.ErrLogNotFound}, Options{})
	if resp := doJSON(router, http.MethodGet, "/result/abc", "", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}

	router = newTestRouter(&stubService{result: &repository.VerificationLog{RequestID: "abc", Matched: true}}, Options{})
	if resp := doJSON(router, http.MethodGet, "/result/abc", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
}

func TestIdentityAdministrationRoutes(t *testing.T) {
	svc := &stubService{identities: []usecase.IdentitySummary{{ID: 1, Name: "Ari"}}}
	router := newTestRouter(svc, Options{})
	admin := buildTestToken(t, "operator", auth.RoleAdmin)

	if resp := doJSON(router, http.MethodGet, "/identities", admin, nil); resp.Code != http.StatusOK {
		t.Fatalf("list: expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if resp := doJSON(router, http.MethodPost, "/identities", admin, gin.H{"name": "Cy"}); resp.Code != http.StatusCreated {
		t.Fatalf("register: expected status %d, got %d", http.StatusCreated, resp.Code)
	}
	if resp := doJSON(router, http.MethodPost, "/identities", admin, gin.H{}); resp.Code != http.StatusBadRequest {
		t.Fatalf("register: expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if resp := doJSON(router, http.MethodPost, "/identities/reset-presence", admin, nil); resp.Code != http.StatusOK || svc.resets != 1 {
		t.Fatalf("reset: unexpected status %d, resets %d", resp.Code, svc.resets)
	}
	if resp := doJSON(router, http.MethodGet, "/admin/metrics/summary", admin, nil); resp.Code != http.StatusOK {
		t.Fatalf("summary: expected status %d, got %d", http.StatusOK, resp.Code)
	}
}

func TestUpdateIdentityRoute(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, Options{})
	admin := buildTestToken(t, "operator", auth.RoleAdmin)

	if resp := doJSON(router, http.MethodPatch, "/identities/3", "", gin.H{"name": "Di"}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}

	resp := doJSON(router, http.MethodPatch, "/identities/3", admin, gin.H{"name": " Di ", "present_today": false})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	update, ok := svc.updates[3]
	if !ok || update.Name == nil || *update.Name != "Di" || update.Present == nil || *update.Present || update.Email != nil {
		t.Fatalf("unexpected update: %+v", svc.updates)
	}

	for _, tc := range []struct {
		path string
		body interface{}
	}{
		{"/identities/abc", gin.H{"name": "Di"}},
		{"/identities/0", gin.H{"name": "Di"}},
		{"/identities/3", gin.H{}},
		{"/identities/3", gin.H{"name": "  "}},
	} {
		if resp := doJSON(router, http.MethodPatch, tc.path, admin, tc.body); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s %v: expected status %d, got %d", tc.path, tc.body, http.StatusBadRequest, resp.Code)
		}
	}

	svc.identityErr = fmt.Errorf("%w: update identity 8: %w", palm.ErrStore, palm.ErrIdentityNotFound)
	if resp := doJSON(router, http.MethodPatch, "/identities/8", admin, gin.H{"email": "x@example.com"}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestDeleteIdentityRoute(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, Options{})
	admin := buildTestToken(t, "operator", auth.RoleAdmin)

	if resp := doJSON(router, http.MethodDelete, "/identities/3", buildTestToken(t, "viewer"), nil); resp.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, resp.Code)
	}
	if resp := doJSON(router, http.MethodDelete, "/identities/3", admin, nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.Code)
	}
	if len(svc.deleted) != 1 || svc.deleted[0] != 3 {
		t.Fatalf("unexpected deletions: %v", svc.deleted)
	}
	if resp := doJSON(router, http.MethodDelete, "/identities/-2", admin, nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}

	svc.identityErr = fmt.Errorf("%w: delete identity 9: %w", palm.ErrStore, palm.ErrIdentityNotFound)
	if resp := doJSON(router, http.MethodDelete, "/identities/9", admin, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("palm_verify_up 1\n"))
	})
	router := newTestRouter(&stubService{}, Options{Metrics: metrics})

	resp := doJSON(router, http.MethodGet, "/metrics", "", nil)
	if resp.Code != http.StatusOK || resp.Body.String() != "palm_verify_up 1\n" {
		t.Fatalf("unexpected metrics response %d %q", resp.Code, resp.Body.String())
	}
}
