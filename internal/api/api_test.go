package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/muleguard/internal/analysis"
	"github.com/opensource-finance/muleguard/internal/bus"
	"github.com/opensource-finance/muleguard/internal/cache"
	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/engine"
	"github.com/opensource-finance/muleguard/internal/quota"
	"github.com/opensource-finance/muleguard/internal/repository"
	"github.com/opensource-finance/muleguard/internal/rules"
)

const triangleCSV = `transaction_id,sender_id,receiver_id,amount,timestamp
T1,A,B,100,2026-02-01 09:00:00
T2,B,C,95,2026-02-01 10:00:00
T3,C,A,90,2026-02-01 11:00:00
`

type testEnv struct {
	server *Server
	svc    *analysis.Service
	bus    *bus.ChannelBus
	repo   *repository.SQLRepository
}

type envOptions struct {
	quota   int64
	maxBody int64
}

// createTestServer wires a server with an in-memory database, cache and bus.
func createTestServer(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	c := cache.NewLRUCache(100)

	ruleEngine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	t.Cleanup(func() { ruleEngine.Close() })

	svc := analysis.NewService(analysis.Deps{
		Engine:    engine.New(domain.DefaultDetectionConfig(), engine.WithRules(ruleEngine)),
		Repo:      repo,
		Cache:     c,
		Bus:       eventBus,
		Limiter:   quota.NewLimiter(c, opts.quota, time.Hour),
		Rules:     ruleEngine,
		ResultTTL: time.Minute,
	})

	maxBody := opts.maxBody
	if maxBody == 0 {
		maxBody = 1 << 20
	}
	handler := NewHandler(svc, repo, c, eventBus, ruleEngine, "test-v1", maxBody)
	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}

	return &testEnv{
		server: NewServer(cfg, handler),
		svc:    svc,
		bus:    eventBus,
		repo:   repo,
	}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader, tenantID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response: %v: %s", err, rr.Body.String())
	}
	return v
}

func TestAnalyzeEndpoint(t *testing.T) {
	env := createTestServer(t, envOptions{})

	t.Run("CSVBody", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze?source=triangle.csv", "text/csv", strings.NewReader(triangleCSV), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr.Header().Get(AnalysisIDHeader) == "" {
			t.Error("expected X-Analysis-ID header")
		}

		res := decode[domain.AnalysisResult](t, rr)
		if len(res.FraudRings) != 1 {
			t.Fatalf("expected 1 ring, got %d", len(res.FraudRings))
		}
		if res.FraudRings[0].PatternType != domain.RingPatternCycle {
			t.Errorf("expected cycle ring, got %s", res.FraudRings[0].PatternType)
		}
		if res.Summary.TransactionsProcessed != 3 || res.Summary.TotalAccountsAnalyzed != 3 {
			t.Errorf("unexpected summary %+v", res.Summary)
		}
	})

	t.Run("JSONBody", func(t *testing.T) {
		body := `{"source":"api","transactions":[
			{"transaction_id":"J1","sender_id":"A","receiver_id":"S","amount":1000,"timestamp":"2026-02-01T09:00:00Z"},
			{"transaction_id":"J2","sender_id":"S","receiver_id":"B","amount":"990.00","timestamp":"2026-02-01T10:00:00Z"},
			{"transaction_id":"J3","sender_id":"","receiver_id":"B","amount":5,"timestamp":"2026-02-01T10:00:00Z"}
		]}`
		rr := env.do(t, http.MethodPost, "/analyze", "application/json", strings.NewReader(body), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		res := decode[domain.AnalysisResult](t, rr)
		if res.Summary.DroppedRows != 1 {
			t.Errorf("expected 1 dropped row, got %d", res.Summary.DroppedRows)
		}
		if len(res.SuspiciousAccounts) != 1 || res.SuspiciousAccounts[0].AccountID != "S" {
			t.Errorf("expected shell S flagged, got %+v", res.SuspiciousAccounts)
		}
	})

	t.Run("Multipart", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, _ := mw.CreateFormFile("file", "upload.csv")
		part.Write([]byte(triangleCSV))
		mw.Close()

		rr := env.do(t, http.MethodPost, "/analyze", mw.FormDataContentType(), &buf, "tenant-002")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		a, err := env.repo.GetAnalysis(context.Background(), "tenant-002", rr.Header().Get(AnalysisIDHeader))
		if err != nil {
			t.Fatalf("expected stored analysis: %v", err)
		}
		if a.Source != "upload.csv" {
			t.Errorf("expected source upload.csv, got %q", a.Source)
		}
	})

	t.Run("MultipartWithoutFile", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("note", "no file")
		mw.Close()

		rr := env.do(t, http.MethodPost, "/analyze", mw.FormDataContentType(), &buf, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader(triangleCSV), "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingColumns", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader("id,from\n1,A\n"), "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze", "application/json", strings.NewReader("not-json"), "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTransactions", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze", "application/json", strings.NewReader(`{"source":"x"}`), "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyCSV", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader(""), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		res := decode[domain.AnalysisResult](t, rr)
		if res.Summary.TotalAccountsAnalyzed != 0 {
			t.Errorf("expected empty result, got %+v", res.Summary)
		}
	})
}

func TestAnalyzeBodyLimit(t *testing.T) {
	env := createTestServer(t, envOptions{maxBody: 256})

	var sb strings.Builder
	sb.WriteString("transaction_id,sender_id,receiver_id,amount,timestamp\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&sb, "T%02d,S%02d,R%02d,100,2026-02-01 09:00:00\n", i, i, i)
	}

	rr := env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader(sb.String()), "tenant-001")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAnalyzeQuota(t *testing.T) {
	env := createTestServer(t, envOptions{quota: 1})

	rr := env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader(triangleCSV), "tenant-001")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader(triangleCSV), "tenant-001")
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader(triangleCSV), "tenant-002")
	if rr.Code != http.StatusOK {
		t.Errorf("expected other tenant to be allowed, got %d", rr.Code)
	}
}

func TestAnalyzeAsync(t *testing.T) {
	env := createTestServer(t, envOptions{})
	ctx := context.Background()

	if _, err := env.bus.Subscribe(ctx, domain.AllTenants, domain.TopicBatchSubmitted, env.svc.HandleSubmitted); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rr := env.do(t, http.MethodPost, "/analyze?async=true", "text/csv", strings.NewReader(triangleCSV), "tenant-001")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[AsyncResponse](t, rr)
	if resp.AnalysisID == "" || resp.Status != domain.AnalysisPending {
		t.Fatalf("unexpected response %+v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = env.do(t, http.MethodGet, "/analyses/"+resp.AnalysisID, "", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		a := decode[domain.Analysis](t, rr)
		if a.Status == domain.AnalysisCompleted {
			if a.Result == nil || len(a.Result.FraudRings) != 1 {
				t.Errorf("expected stored result with 1 ring, got %+v", a.Result)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("analysis still %s", a.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAnalysesEndpoints(t *testing.T) {
	env := createTestServer(t, envOptions{})

	var ids []string
	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader(triangleCSV), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		ids = append(ids, rr.Header().Get(AnalysisIDHeader))
	}

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/analyses", "", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[struct {
			Analyses []domain.Analysis `json:"analyses"`
			Count    int               `json:"count"`
		}](t, rr)
		if resp.Count != 2 {
			t.Errorf("expected 2 analyses, got %d", resp.Count)
		}
		for _, a := range resp.Analyses {
			if a.Result != nil {
				t.Error("list must not include full results")
			}
		}
	})

	t.Run("ListLimit", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/analyses?limit=1", "", nil, "tenant-001")
		resp := decode[map[string]any](t, rr)
		if resp["count"] != float64(1) {
			t.Errorf("expected 1 analysis, got %v", resp["count"])
		}

		rr = env.do(t, http.MethodGet, "/analyses?limit=abc", "", nil, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/analyses/"+ids[0], "", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		a := decode[domain.Analysis](t, rr)
		if a.ID != ids[0] || a.Status != domain.AnalysisCompleted || a.Result == nil {
			t.Errorf("unexpected analysis %+v", a)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/analyses/"+ids[0], "", nil, "tenant-002")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/analyses/missing", "", nil, "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t, envOptions{})

	post := func(body string) *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/rules", "application/json", strings.NewReader(body), "tenant-001")
	}

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := post(`{"id":"bad","name":"Bad","expression":"max_amount >","bands":[{"subRuleRef":".fail"}],"enabled":true}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingExpression", func(t *testing.T) {
		rr := post(`{"id":"noexpr","name":"No expression","enabled":true}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateReloadAndApply", func(t *testing.T) {
		rr := post(`{"id":"big","name":"Large transfer","expression":"max_amount >= 100.0","bands":[{"lowerLimit":1,"subRuleRef":".fail","reason":"large"}],"tag":"large_transfer","enabled":true}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = env.do(t, http.MethodGet, "/rules", "", nil, "tenant-001")
		if got := decode[map[string]any](t, rr)["count"]; got != float64(0) {
			t.Errorf("rule must not be active before reload, count %v", got)
		}

		rr = env.do(t, http.MethodGet, "/rules/big", "", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Errorf("expected stored rule, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodPost, "/rules/reload", "", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := decode[map[string]any](t, rr)["count"]; got != float64(1) {
			t.Errorf("expected 1 rule reloaded, got %v", got)
		}

		rr = env.do(t, http.MethodPost, "/analyze", "text/csv", strings.NewReader(triangleCSV), "tenant-001")
		res := decode[domain.AnalysisResult](t, rr)
		var found bool
		for _, acct := range res.SuspiciousAccounts {
			if acct.AccountID == "A" {
				found = strings.Contains(strings.Join(acct.DetectedPatterns, ","), "large_transfer")
			}
		}
		if !found {
			t.Errorf("expected large_transfer on A, got %+v", res.SuspiciousAccounts)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/unknown", "", nil, "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t, envOptions{})

	t.Run("Health", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", "", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[struct {
			Status  string            `json:"status"`
			Version string            `json:"version"`
			Checks  map[string]string `json:"checks"`
		}](t, rr)
		if resp.Status != "healthy" || resp.Version != "test-v1" {
			t.Errorf("unexpected health %+v", resp)
		}
		if resp.Checks["repository"] != "ok" || resp.Checks["eventBus"] != "ok" {
			t.Errorf("unexpected checks %v", resp.Checks)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", "", nil, "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(t, http.MethodGet, "/health", "", nil, "")
		rr := env.do(t, http.MethodGet, "/metrics", "", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "muleguard_api_http_requests_total") {
			t.Error("expected muleguard_api_http_requests_total in metrics output")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := env.do(t, http.MethodOptions, "/analyze", "", nil, "")
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})

	t.Run("RequestID", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", "", nil, "")
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
	})
}
