package server

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/boxeval/box-eval/internal/coco"
	"github.com/boxeval/box-eval/internal/config"
	"github.com/boxeval/box-eval/internal/pkg/logger"
)

func writeAnnotations(t *testing.T) string {
	t.Helper()

	ds := coco.Dataset{
		Images: []coco.Image{{ID: 1}, {ID: 2}},
		Categories: []coco.Category{
			{ID: 1, Name: "person"},
			{ID: 2, Name: "car"},
		},
		Annotations: []coco.Annotation{
			{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{10, 10, 20, 30}, Area: 600},
			{ID: 2, ImageID: 2, CategoryID: 2, Bbox: coco.Box{0, 0, 50, 50}, Area: 2500},
		},
	}
	data, err := json.Marshal(ds)
	if err != nil {
		t.Fatalf("marshal dataset: %v", err)
	}

	path := filepath.Join(t.TempDir(), "instances.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write annotations: %v", err)
	}
	return path
}

func testServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{
		Host:        "127.0.0.1",
		Port:        0,
		Annotations: writeAnnotations(t),
		Eval: config.EvalConfig{
			IoUType: "bbox",
			MaxDets: []int{1, 10, 100},
		},
		Bus: config.BusConfig{Type: "memory"},
		Log: config.LogConfig{Level: "error", Format: "text"},
	}

	s, err := New(cfg, "test", logger.New("error", "text"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func postEvaluate(t *testing.T, s *Server, req EvaluateRequest) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(body)))
	return rec
}

func TestHandleEvaluatePerfect(t *testing.T) {
	s := testServer(t)

	rec := postEvaluate(t, s, EvaluateRequest{
		Detections: []coco.Detection{
			{ImageID: 1, CategoryID: 1, Bbox: coco.Box{10, 10, 20, 30}, Score: 0.9},
			{ImageID: 2, CategoryID: 2, Bbox: coco.Box{0, 0, 50, 50}, Score: 0.8},
		},
		PerCategory: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp EvaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	ap := resp.Metrics["AP"]
	if ap == nil || math.Abs(*ap-100) > 1e-6 {
		t.Fatalf("AP = %v, want 100", ap)
	}
	if resp.Images != 2 || resp.Detections != 2 {
		t.Fatalf("images/detections = %d/%d, want 2/2", resp.Images, resp.Detections)
	}
	if got := resp.PerCategory["AP-person"]; got == nil || math.Abs(*got-100) > 1e-6 {
		t.Fatalf("AP-person = %v, want 100", got)
	}
}

func TestHandleEvaluateNoDetections(t *testing.T) {
	s := testServer(t)

	rec := postEvaluate(t, s, EvaluateRequest{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp EvaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	// Zero detections everywhere means the AP slices are all empty.
	if resp.Metrics["AP"] != nil {
		t.Fatalf("AP = %v, want null", *resp.Metrics["AP"])
	}
}

func TestHandleEvaluateUnknownImage(t *testing.T) {
	s := testServer(t)

	rec := postEvaluate(t, s, EvaluateRequest{
		Detections: []coco.Detection{
			{ImageID: 99, CategoryID: 1, Bbox: coco.Box{0, 0, 1, 1}, Score: 0.5},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleEvaluateMethodNotAllowed(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/evaluate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", rec.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	s := testServer(t)

	// Seed history through a real evaluation.
	rec := postEvaluate(t, s, EvaluateRequest{
		Detections: []coco.Detection{
			{ImageID: 1, CategoryID: 1, Bbox: coco.Box{10, 10, 20, 30}, Score: 0.9},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics/history?metric=AP", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Metric string `json:"metric"`
		Points []struct {
			Value float64 `json:"value"`
		} `json:"points"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Metric != "AP" || len(resp.Points) != 1 {
		t.Fatalf("resp = %+v, want one AP point", resp)
	}
}

func TestHandleLatest(t *testing.T) {
	s := testServer(t)

	rec := postEvaluate(t, s, EvaluateRequest{
		Detections: []coco.Detection{
			{ImageID: 1, CategoryID: 1, Bbox: coco.Box{10, 10, 20, 30}, Score: 0.9},
			{ImageID: 2, CategoryID: 2, Bbox: coco.Box{0, 0, 50, 50}, Score: 0.8},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics/latest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("latest: status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if math.Abs(resp.Metrics["AP"]-100) > 1e-6 {
		t.Fatalf("latest AP = %v, want 100", resp.Metrics["AP"])
	}
}

func TestHandleHistoryValidation(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics/history", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing metric: status %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics/history?metric=AP&hours=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad hours: status %d, want 400", rec.Code)
	}
}

func TestHandleHealthAndVersion(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/version", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("version: status %d", rec.Code)
	}
	var v map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if v["version"] != "test" {
		t.Fatalf("version = %q, want test", v["version"])
	}
}
