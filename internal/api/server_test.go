package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/splice/internal/arch"
	"github.com/samcharles93/splice/internal/model"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	cfg := &model.Config{
		ModelType:         "bert",
		HiddenSize:        8,
		IntermediateSize:  16,
		NumHiddenLayers:   2,
		NumAttentionHeads: 2,
		VocabSize:         30,
		MaxPosition:       16,
		TypeVocabSize:     2,
	}
	cfg.Normalize()
	m, err := arch.New(cfg)
	if err != nil {
		t.Fatalf("arch.New() error = %v", err)
	}
	server := NewServer(m, opts...)
	e := echo.New()
	server.Register(e)
	return server, server.Handler(e)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status: got %d want %d body=%s", rec.Code, want, rec.Body.String())
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) ResponseError {
	t.Helper()
	return decodeBody[struct {
		Error ResponseError `json:"error"`
	}](t, rec).Error
}

const tokens = `"input_ids": [[1, 2, 3], [4, 5, 6]]`

func TestAdapterLifecycle(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"pfeiffer[reduction_factor=4]","activate":true}`)
	expectStatus(t, rec, http.StatusCreated)
	if got := decodeBody[StatusResponse](t, rec); got.Name != "a" || got.Active != "a" {
		t.Fatalf("add response = %+v", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/adapters", "")
	expectStatus(t, rec, http.StatusOK)
	list := decodeBody[AdapterList](t, rec)
	if list.Model != "bert" || list.Active != "a" {
		t.Fatalf("list header = %+v", list)
	}
	if len(list.Adapters) != 2 || list.Adapters[0].Name != "a" || !list.Adapters[0].Active || list.Adapters[1].Name != "Full model" {
		t.Fatalf("list rows = %+v", list.Adapters)
	}
	if list.Adapters[0].Params == 0 || list.Adapters[1].Percent != 100 {
		t.Fatalf("list params = %+v", list.Adapters)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/adapters/a", "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[StatusResponse](t, rec); got.Active != "" {
		t.Fatalf("deleting the active adapter left %q active", got.Active)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/adapters/a", "")
	expectStatus(t, rec, http.StatusNotFound)
	if got := errorBody(t, rec); got.Type != "not_found_error" {
		t.Fatalf("error type = %q", got.Type)
	}
}

func TestAddAdapterErrors(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"pfeiffer"}`), http.StatusCreated)

	tests := []struct {
		name     string
		body     string
		status   int
		errType  string
		contains string
		param    string
		code     string
	}{
		{"malformed", `{"name":`, http.StatusBadRequest, "invalid_request_error", "", "", ""},
		{"missing name", `{"config":"lora"}`, http.StatusBadRequest, "invalid_request_error", "name is required", "", ""},
		{"unknown preset", `{"name":"b","config":"pfeifer"}`, http.StatusBadRequest, "invalid_request_error", "pfeiffer", "pfeifer", "unknown_preset"},
		{"bad option", `{"name":"b","config":{"architecture":"bottleneck","reduction_factor":0}}`, http.StatusBadRequest, "invalid_request_error", "", "b", "invalid_reduction_factor"},
		{"duplicate", `{"name":"a","config":"lora"}`, http.StatusConflict, "conflict_error", "", "a", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/adapters", tt.body)
			expectStatus(t, rec, tt.status)
			got := errorBody(t, rec)
			if got.Type != tt.errType {
				t.Fatalf("error type = %q, want %q", got.Type, tt.errType)
			}
			if !strings.Contains(got.Message, tt.contains) {
				t.Fatalf("message %q does not mention %q", got.Message, tt.contains)
			}
			if got.Param != tt.param || got.Code != tt.code {
				t.Fatalf("param, code = %q, %q; want %q, %q", got.Param, got.Code, tt.param, tt.code)
			}
		})
	}
}

func TestOverwriteReplacesAdapter(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"pfeiffer"}`), http.StatusCreated)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"lora","overwrite":true}`), http.StatusCreated)
	list := decodeBody[AdapterList](t, doJSON(t, h, http.MethodGet, "/v1/adapters", ""))
	if len(list.Adapters) != 2 || list.Adapters[0].Kind != "lora" {
		t.Fatalf("list after overwrite = %+v", list.Adapters)
	}
}

func TestForwardStoreLifecycle(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/forward", `{`+tokens+`,"store":true}`)
	expectStatus(t, rec, http.StatusOK)
	fwd := decodeBody[ForwardResponse](t, rec)
	if !strings.HasPrefix(fwd.ID, "fwd_") || fwd.Object != "forward" {
		t.Fatalf("forward header = %+v", fwd)
	}
	if len(fwd.Shape) != 3 || fwd.Shape[0] != 2 || fwd.Shape[1] != 3 || fwd.Shape[2] != 8 {
		t.Fatalf("shape = %v", fwd.Shape)
	}
	if len(fwd.Hidden) != 2 || len(fwd.Hidden[0]) != 3 || len(fwd.Hidden[0][0]) != 8 || fwd.Channels != 1 {
		t.Fatalf("hidden has the wrong shape or channels %d", fwd.Channels)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/forward/"+fwd.ID, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[ForwardResponse](t, rec); got.ID != fwd.ID {
		t.Fatalf("stored id = %q", got.ID)
	}
	expectStatus(t, doJSON(t, h, http.MethodDelete, "/v1/forward/"+fwd.ID, ""), http.StatusOK)
	expectStatus(t, doJSON(t, h, http.MethodGet, "/v1/forward/"+fwd.ID, ""), http.StatusNotFound)
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"no input", `{}`},
		{"both inputs", `{` + tokens + `,"features":[[[1]]]}`},
		{"ragged ids", `{"input_ids":[[1,2],[3]]}`},
		{"token out of range", `{"input_ids":[[1,99]]}`},
		{"mask shape", `{` + tokens + `,"attention_mask":[[1,1]]}`},
		{"unknown program", `{` + tokens + `,"active":"missing"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/forward", tt.body)
			if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
				t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestForwardActiveOverrideIsRestored(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"pfeiffer"}`), http.StatusCreated)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"b","config":"pfeiffer","activate":true}`), http.StatusCreated)

	rec := doJSON(t, h, http.MethodPost, "/v1/forward", `{`+tokens+`,"active":"Parallel(a, b)"}`)
	expectStatus(t, rec, http.StatusOK)
	fwd := decodeBody[ForwardResponse](t, rec)
	if fwd.Active != "Parallel(a, b)" || fwd.Channels != 2 || fwd.Shape[0] != 4 {
		t.Fatalf("override forward = active %q channels %d shape %v", fwd.Active, fwd.Channels, fwd.Shape)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/active", "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[StatusResponse](t, rec); got.Active != "b" {
		t.Fatalf("active after override = %q, want b", got.Active)
	}
}

func TestSetActive(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	for _, name := range []string{"a", "b"} {
		expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"`+name+`","config":"pfeiffer"}`), http.StatusCreated)
	}
	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"program string", `{"program":"Stack(a, b)"}`, http.StatusOK, "Stack(a, b)"},
		{"name list", `{"program":["b","a"]}`, http.StatusOK, "Stack(b, a)"},
		{"null deactivates", `{"program":null}`, http.StatusOK, ""},
		{"unknown adapter", `{"program":"Stack(a, c)"}`, http.StatusNotFound, ""},
		{"bad syntax", `{"program":"Stack(a"}`, http.StatusBadRequest, ""},
		{"bad list", `{"program":[1]}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		rec := doJSON(t, h, http.MethodPut, "/v1/active", tt.body)
		expectStatus(t, rec, tt.status)
		if tt.status != http.StatusOK {
			continue
		}
		if got := decodeBody[StatusResponse](t, rec); got.Active != tt.want {
			t.Fatalf("%s: active = %q, want %q", tt.name, got.Active, tt.want)
		}
	}

	expectStatus(t, doJSON(t, h, http.MethodPut, "/v1/active", `{"program":"a"}`), http.StatusOK)
	rec := doJSON(t, h, http.MethodDelete, "/v1/active", "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[StatusResponse](t, rec); got.Active != "" {
		t.Fatalf("active after delete = %q", got.Active)
	}
}

func TestForwardGatingAndFusion(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	for _, name := range []string{"a", "b"} {
		body := `{"name":"` + name + `","config":{"architecture":"bottleneck","reduction_factor":2,"output_adapter":true,"use_gating":true}}`
		expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", body), http.StatusCreated)
	}
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/fusions", `{"adapters":["a","b"],"activate":true}`), http.StatusCreated)

	rec := doJSON(t, h, http.MethodPost, "/v1/forward", `{`+tokens+`,"output_gating":true,"output_fusion":true}`)
	expectStatus(t, rec, http.StatusOK)
	fwd := decodeBody[ForwardResponse](t, rec)
	if fwd.Active != "Fuse(a, b)" {
		t.Fatalf("active = %q", fwd.Active)
	}
	if len(fwd.Fusion) == 0 || len(fwd.Gating) == 0 {
		t.Fatalf("fusion %d and gating %d records, want both", len(fwd.Fusion), len(fwd.Gating))
	}
	for _, s := range fwd.Fusion {
		if s.Name != "a,b" || len(s.Fusion) != 2 || len(s.Fusion[0][0]) != 2 {
			t.Fatalf("fusion record %+v", s)
		}
	}
	for i := 1; i < len(fwd.Gating); i++ {
		if compareScores(fwd.Gating[i-1], fwd.Gating[i]) > 0 {
			t.Fatalf("gating records are not sorted")
		}
	}

	expectStatus(t, doJSON(t, h, http.MethodDelete, "/v1/fusions/a,b", ""), http.StatusOK)
	expectStatus(t, doJSON(t, h, http.MethodDelete, "/v1/fusions/a,b", ""), http.StatusNotFound)
}

func TestMergeAndReset(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"l","config":"lora"}`), http.StatusCreated)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"pfeiffer"}`), http.StatusCreated)

	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters/a/merge", ""), http.StatusBadRequest)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters/l/merge", ""), http.StatusOK)
	if got := decodeBody[AdapterList](t, doJSON(t, h, http.MethodGet, "/v1/adapters", "")); got.Merged != "l" {
		t.Fatalf("merged = %q, want l", got.Merged)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/adapters/reset", "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[StatusResponse](t, rec); got.Name != "l" {
		t.Fatalf("reset reported %q", got.Name)
	}
	if got := decodeBody[AdapterList](t, doJSON(t, h, http.MethodGet, "/v1/adapters", "")); got.Merged != "" {
		t.Fatalf("merged after reset = %q", got.Merged)
	}
}

func TestSaveAndLoadAdapter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, h := newTestServer(t, WithAdaptersDir(dir))
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"houlsby"}`), http.StatusCreated)

	rec := doJSON(t, h, http.MethodPost, "/v1/adapters/a/save", "")
	expectStatus(t, rec, http.StatusOK)
	saved := decodeBody[StatusResponse](t, rec)
	if saved.Path != filepath.Join(dir, "a") {
		t.Fatalf("saved to %q", saved.Path)
	}
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters/missing/save", ""), http.StatusNotFound)

	body, _ := json.Marshal(LoadAdapterRequest{Path: saved.Path, Name: "copy", Activate: true})
	rec = doJSON(t, h, http.MethodPost, "/v1/adapters/load", string(body))
	expectStatus(t, rec, http.StatusCreated)
	if got := decodeBody[StatusResponse](t, rec); got.Name != "copy" || got.Active != "copy" {
		t.Fatalf("load response = %+v", got)
	}
	list := decodeBody[AdapterList](t, doJSON(t, h, http.MethodGet, "/v1/adapters", ""))
	if len(list.Adapters) != 3 || list.Adapters[0].Params != list.Adapters[1].Params {
		t.Fatalf("list after load = %+v", list.Adapters)
	}

	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters/load", `{"path":"`+filepath.Join(dir, "nope")+`"}`), http.StatusInternalServerError)
}

func TestSaveRequiresPath(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"pfeiffer"}`), http.StatusCreated)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters/a/save", ""), http.StatusBadRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, h := newTestServer(t)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/adapters", `{"name":"a","config":"pfeiffer"}`), http.StatusCreated)
	expectStatus(t, doJSON(t, h, http.MethodDelete, "/v1/adapters/zzz", ""), http.StatusNotFound)
	expectStatus(t, doJSON(t, h, http.MethodPost, "/v1/forward", `{`+tokens+`}`), http.StatusOK)

	rec := doJSON(t, h, http.MethodGet, "/metrics", "")
	expectStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	for _, want := range []string{
		`splice_http_requests_total{method="POST",route="/v1/adapters",status="201"} 1`,
		`splice_http_requests_total{method="DELETE",route="/v1/adapters/:name",status="404"} 1`,
		`splice_forward_total{outcome="ok"} 1`,
		`splice_adapter_operations_total{op="delete",outcome="error"} 1`,
		`splice_adapters 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
	if s.Metrics() == nil {
		t.Fatal("Metrics() = nil")
	}
}

func TestForwardStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewForwardStore(2)
	for _, id := range []string{"a", "b", "c"} {
		store.Save(ForwardResponse{ID: id})
	}
	if _, ok := store.Get("a"); ok {
		t.Fatal("oldest result was kept")
	}
	if store.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", store.Len())
	}
	if !store.Delete("b") || store.Delete("b") {
		t.Fatal("Delete did not report presence")
	}
	store.Save(ForwardResponse{ID: "d"})
	store.Save(ForwardResponse{ID: "e"})
	if _, ok := store.Get("c"); ok {
		t.Fatal("eviction skipped c after a delete")
	}
}
