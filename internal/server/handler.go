package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/boxeval/box-eval/internal/bus"
	"github.com/boxeval/box-eval/internal/coco"
	"github.com/boxeval/box-eval/internal/eval"
	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
)

// EvaluateRequest is one-shot evaluation input: detections in annotation
// space with xywh boxes, scored against the server's ground truth.
type EvaluateRequest struct {
	Detections  []coco.Detection `json:"detections"`
	PerCategory bool             `json:"per_category,omitempty"`
}

// EvaluateResponse carries the summary metrics as percentages. Undefined
// metrics (no valid entries) are null.
type EvaluateResponse struct {
	Metrics     map[string]*float64 `json:"metrics"`
	PerCategory map[string]*float64 `json:"per_category,omitempty"`
	Images      int                 `json:"images"`
	Detections  int                 `json:"detections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apperrors.WriteErrorWithStatus(w, http.StatusMethodNotAllowed,
			apperrors.New(apperrors.CodeInvalidRequest, "use POST"))
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError("malformed request body: "+err.Error()))
		return
	}

	start := time.Now()

	dt, err := s.gt.LoadRes(req.Detections)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	ev := eval.New(s.gt, dt, protoParams(s.cfg.Eval.MaxDets))
	ev.SetWorkers(s.cfg.Eval.Workers)
	rs, err := ev.Run(r.Context())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	acc := eval.NewAccumulator(ev.Params(), rs)
	stats := acc.Summarize()

	metrics := map[string]float64{
		"AP":   toPercent(stats.AP),
		"AP50": toPercent(stats.AP50),
		"AP75": toPercent(stats.AP75),
		"APs":  toPercent(stats.APSmall),
		"APm":  toPercent(stats.APMedium),
		"APl":  toPercent(stats.APLarge),
		"AR1":  toPercent(stats.AR1),
		"AR10": toPercent(stats.AR10),
	}

	resp := EvaluateResponse{
		Metrics:    nullableMap(metrics),
		Images:     len(rs.ImgIDs),
		Detections: len(req.Detections),
	}

	if req.PerCategory || s.cfg.Eval.PerCategory {
		perCat := make(map[string]float64, len(ev.Params().CatIDs))
		for k, id := range ev.Params().CatIDs {
			ap := acc.PerCategoryAP(k)
			if !math.IsNaN(ap) {
				ap *= 100
			}
			perCat["AP-"+s.gt.Cat(id).Name] = ap
		}
		resp.PerCategory = nullableMap(perCat)
	}

	s.recordRun(r, metrics)

	s.log.Info("evaluation request served",
		"detections", len(req.Detections),
		"images", len(rs.ImgIDs),
		"duration", time.Since(start))

	writeJSON(w, http.StatusOK, resp)
}

// recordRun persists finite metrics and announces the run on the bus.
func (s *Server) recordRun(r *http.Request, metrics map[string]float64) {
	finite := make(map[string]float64, len(metrics))
	for name, v := range metrics {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite[name] = v
		}
	}
	now := time.Now()
	if err := s.history.SaveAll(r.Context(), finite, now); err != nil {
		s.log.Warn("saving metric history failed", "error", err)
	}

	event := bus.Event{
		ID:        strconv.FormatInt(now.UnixNano(), 10),
		Type:      bus.TopicEvalCompleted,
		Source:    "box-eval-server",
		Timestamp: now.Unix(),
		Payload:   finite,
	}
	if err := s.bus.Publish(r.Context(), bus.TopicEvalCompleted, event); err != nil {
		s.log.Warn("publishing completion event failed", "error", err)
	}
}

func (s *Server) handleMetricNames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apperrors.WriteErrorWithStatus(w, http.StatusMethodNotAllowed,
			apperrors.New(apperrors.CodeInvalidRequest, "use GET"))
		return
	}

	names, err := s.history.Metrics(r.Context())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": names})
}

// handleLatest returns the most recent recorded value of every metric.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apperrors.WriteErrorWithStatus(w, http.StatusMethodNotAllowed,
			apperrors.New(apperrors.CodeInvalidRequest, "use GET"))
		return
	}

	names, err := s.history.Metrics(r.Context())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	latest := make(map[string]float64, len(names))
	var at time.Time
	for _, name := range names {
		points, err := s.history.Load(r.Context(), name, time.Time{})
		if err != nil {
			apperrors.WriteError(w, err)
			return
		}
		if len(points) == 0 {
			continue
		}
		p := points[len(points)-1]
		latest[name] = p.Value
		if p.Timestamp.After(at) {
			at = p.Timestamp
		}
	}

	body := map[string]any{"metrics": latest}
	if !at.IsZero() {
		body["recorded_at"] = at
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apperrors.WriteErrorWithStatus(w, http.StatusMethodNotAllowed,
			apperrors.New(apperrors.CodeInvalidRequest, "use GET"))
		return
	}

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		apperrors.WriteError(w, apperrors.ValidationError("metric query parameter is required"))
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			apperrors.WriteError(w, apperrors.ValidationError("hours must be a positive integer"))
			return
		}
		hours = parsed
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	points, err := s.history.Load(r.Context(), metric, since)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metric": metric,
		"points": points,
	})
}

// protoParams returns the evaluation protocol with an optional detection-cap
// override.
func protoParams(maxDets []int) eval.Params {
	p := eval.DefaultParams()
	if len(maxDets) > 0 {
		p.MaxDets = append([]int(nil), maxDets...)
	}
	return p
}

func toPercent(v float64) float64 {
	if v < 0 {
		return math.NaN()
	}
	return v * 100
}

// nullableMap converts NaN values to nil so the response stays valid JSON.
func nullableMap(in map[string]float64) map[string]*float64 {
	out := make(map[string]*float64, len(in))
	for name, v := range in {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[name] = nil
			continue
		}
		v := v
		out[name] = &v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
