// Package evaluator ties result formatting, per-process accumulation, the
// distributed gather and the statistics reduction into the two-phase
// update/compute protocol used by streaming-metric frameworks.
package evaluator

// Prediction is one image's model output: boxes in corner (xyxy) format with
// parallel scores and labels in the local contiguous training-class space.
type Prediction struct {
	Boxes  [][4]float64 `json:"boxes"`
	Scores []float64    `json:"scores"`
	Labels []int        `json:"labels"`
}

// Target carries the annotation-space image id for one image.
type Target struct {
	ImageID int64 `json:"image_id"`
}

// Metric names reported by Compute.
var metricNames = []string{"AP", "AP50", "AP75", "APs", "APm", "APl"}

// Results maps metric name to value. AP values are percentages; slices with
// no valid entries are NaN.
type Results map[string]float64
