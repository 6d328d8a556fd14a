// Package eval implements category-conditioned IoU matching over bounding
// boxes and the precision/recall accumulation that turns per-image match
// records into AP summary metrics. The matching and accumulation follow the
// reference COCO evaluation convention bit for bit; deviations change AP
// numerically.
package eval

import "sort"

// Area-range bucket labels.
const (
	AreaAll    = "all"
	AreaSmall  = "small"
	AreaMedium = "medium"
	AreaLarge  = "large"
)

// Params holds the evaluation protocol parameters.
type Params struct {
	// CatIDs are the category ids under evaluation, sorted ascending.
	CatIDs []int `json:"cat_ids"`

	// ImgIDs are the image ids under evaluation, sorted ascending and unique.
	ImgIDs []int64 `json:"img_ids"`

	// IoUThrs are the ascending IoU matching thresholds.
	IoUThrs []float64 `json:"iou_thrs"`

	// RecThrs are the fixed recall points precision is interpolated at.
	RecThrs []float64 `json:"rec_thrs"`

	// AreaRng are the [min, max) object-area buckets, with matching labels.
	AreaRng    [][2]float64 `json:"area_rng"`
	AreaRngLbl []string     `json:"area_rng_lbl"`

	// MaxDets are the ascending detection-count thresholds. Matching always
	// uses the last element; the rest only stratify the summary.
	MaxDets []int `json:"max_dets"`
}

// DefaultParams returns the standard COCO bbox evaluation protocol:
// IoU thresholds 0.50:0.05:0.95, 101 recall points, four area buckets and
// detection caps [1, 10, 100].
func DefaultParams() Params {
	return Params{
		IoUThrs: linspace(0.5, 0.95, 10),
		RecThrs: linspace(0, 1, 101),
		AreaRng: [][2]float64{
			{0, 1e10},
			{0, 32 * 32},
			{32 * 32, 96 * 96},
			{96 * 96, 1e10},
		},
		AreaRngLbl: []string{AreaAll, AreaSmall, AreaMedium, AreaLarge},
		MaxDets:    []int{1, 10, 100},
	}
}

// WithCats returns a copy of p evaluating the given categories
// (sorted ascending, deduplicated).
func (p Params) WithCats(catIDs []int) Params {
	p.CatIDs = sortedUniqueInts(catIDs)
	return p
}

// WithImgs returns a copy of p evaluating the given images
// (sorted ascending, deduplicated).
func (p Params) WithImgs(imgIDs []int64) Params {
	p.ImgIDs = SortedUniqueInt64(imgIDs)
	return p
}

// MaxDet returns the detection cap used during matching.
func (p Params) MaxDet() int {
	return p.MaxDets[len(p.MaxDets)-1]
}

// AreaRngIndex returns the index of an area-range label, or -1.
func (p Params) AreaRngIndex(label string) int {
	for i, l := range p.AreaRngLbl {
		if l == label {
			return i
		}
	}
	return -1
}

// MaxDetsIndex returns the index of a detection cap, or -1.
func (p Params) MaxDetsIndex(maxDet int) int {
	for i, m := range p.MaxDets {
		if m == maxDet {
			return i
		}
	}
	return -1
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

func sortedUniqueInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i == 0 || v != out[i-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}

// SortedUniqueInt64 returns a sorted copy of in with duplicates removed.
func SortedUniqueInt64(in []int64) []int64 {
	out := append([]int64(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, v := range out {
		if i == 0 || v != out[i-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}
