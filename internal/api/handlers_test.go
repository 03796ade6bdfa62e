package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bridge25/dt-rag-sub010/internal/casebank"
	"github.com/bridge25/dt-rag-sub010/internal/execlog"
	"github.com/bridge25/dt-rag-sub010/internal/reflection"
	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

const testToken = "test-token-12345"

// fakeEmbedder returns a fixed-dimension vector derived from text length.
type fakeEmbedder struct {
	dim   int
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	vec := make([]float32, f.dim)
	vec[0] = float32(len(text))
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, tx := range texts {
		vec, err := f.Embed(ctx, tx)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func setupAppHandler(t *testing.T) (http.Handler, *casebank.Bank, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bank := casebank.New(store, 4)
	logs := execlog.New(store, nil, 0)
	reflector := reflection.New(bank, logs, nil, 0)

	handler := NewAppHandler(AppDeps{
		Bank:      bank,
		Logs:      logs,
		Store:     store,
		Reflector: reflector,
		Embedder:  &fakeEmbedder{dim: 4},
		Token:     testToken,
	})
	return handler, bank, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHealthIsPublic(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/cases", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/cases", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", rr.Code)
	}
}

func TestCreateCaseEmbedsQuery(t *testing.T) {
	h, bank, _ := setupAppHandler(t)

	body := `{"query":"how to deploy?","answer":"run the script"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/cases", body, testToken))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}

	var c storage.CaseRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &c); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	got, err := bank.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Embedding == nil {
		t.Error("embedding was not generated for the new case")
	}
}

func TestCreateCaseRejectsEmptyQuery(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/cases", `{"query":"","answer":"a"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
	}
}

func TestImportCases(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	body := `{"cases":[
		{"query":"q1","answer":"a1"},
		{"query":"q2","answer":"a2"},
		{"query":"","answer":"a3"}
	]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/cases/import", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Created int `json:"created"`
		Results []struct {
			ID    string `json:"id"`
			Error string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Created != 2 {
		t.Errorf("created = %d, want 2", resp.Created)
	}
	if resp.Results[2].Error == "" {
		t.Error("invalid case did not report an error")
	}
}

func TestGetCaseNotFound(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/cases/no-such-id", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestUsageAndArchiveFlow(t *testing.T) {
	h, bank, _ := setupAppHandler(t)

	c, err := bank.Create("q", "a", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/cases/"+c.ID+"/usage", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("usage status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/v1/cases/"+c.ID+"?reason=manual", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("archive status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/v1/cases/"+c.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second archive status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/cases/"+c.ID+"/restore", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("restore status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func TestUpdateCase(t *testing.T) {
	h, bank, _ := setupAppHandler(t)

	c, err := bank.Create("old query", "old answer", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	body := `{"query":"new query","answer":"new answer","quality_score":0.7}`
	req := httptest.NewRequest(http.MethodPatch, "/v1/cases/"+c.ID, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	got, err := bank.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Query != "new query" || got.Answer != "new answer" {
		t.Errorf("content = %q / %q", got.Query, got.Answer)
	}
	if got.Version != c.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, c.Version+1)
	}
	if got.QualityScore != 0.7 {
		t.Errorf("quality = %v, want 0.7", got.QualityScore)
	}
}

func TestUpdateCasePartialContent(t *testing.T) {
	h, bank, _ := setupAppHandler(t)

	c, err := bank.Create("old query", "old answer", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodPatch, "/v1/cases/"+c.ID,
		strings.NewReader(`{"answer":"better answer"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	got, err := bank.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Query != "old query" {
		t.Errorf("query = %q, want the stored value kept", got.Query)
	}
	if got.Answer != "better answer" {
		t.Errorf("answer = %q, want %q", got.Answer, "better answer")
	}
	if got.Version != c.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, c.Version+1)
	}
}

func TestUpdateCaseEmptyBody(t *testing.T) {
	h, bank, _ := setupAppHandler(t)

	c, err := bank.Create("q", "a", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodPatch, "/v1/cases/"+c.ID, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestRecordExecution(t *testing.T) {
	h, bank, _ := setupAppHandler(t)

	c, err := bank.Create("q", "a", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	body := fmt.Sprintf(`{"case_id":%q,"success":false,"error_kind":"timeout","duration_ms":120}`, c.ID)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/executions", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/cases/"+c.ID+"/executions", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var recs []storage.ExecutionRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(recs) != 1 || recs[0].ErrorKind != "timeout" {
		t.Errorf("executions = %+v", recs)
	}
}

func TestRecordExecutionInvalidReference(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	body := `{"case_id":"no-such-case","success":true}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/executions", body, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422; body = %s", rr.Code, rr.Body.String())
	}
}

func TestFindSimilarByEmbedding(t *testing.T) {
	h, bank, _ := setupAppHandler(t)

	if _, err := bank.Create("q1", "a1", []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := bank.Create("q2", "a2", []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	body := `{"embedding":[1,0,0,0],"threshold":0.9}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/similar", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var matches []casebank.Match
	if err := json.Unmarshal(rr.Body.Bytes(), &matches); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("matches = %d, want 1", len(matches))
	}
}

func TestStats(t *testing.T) {
	h, bank, _ := setupAppHandler(t)

	if _, err := bank.Create("q", "a", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/stats", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var stats storage.BankStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if stats.ActiveCases != 1 {
		t.Errorf("ActiveCases = %d, want 1", stats.ActiveCases)
	}
}

func TestMaintenanceUnavailable(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/maintenance", "", testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}
