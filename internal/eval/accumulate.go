package eval

import (
	"math"
	"sort"
)

// epsilon added to the precision denominator, matching the reference
// convention's spacing(1).
const eps = 2.220446049250313e-16

// Accumulator turns a merged evaluation tensor into precision/recall curves
// and scalar summary metrics. Accumulate fills a 5-axis precision array
// [iou-threshold, recall-point, category, area-range, max-dets]; Summarize
// and the per-category readers are pure functions of that array and can be
// called repeatedly with identical output.
type Accumulator struct {
	p      Params
	merged *ResultSet

	T, R, K, A, M int

	// Flat arrays; -1 marks slices with no valid entries.
	precision []float64 // T*R*K*A*M
	recall    []float64 // T*K*A*M
	scores    []float64 // T*R*K*A*M

	done bool
}

// Stats are the standard scalar summary metrics, in [0, 1] or -1 when the
// corresponding slice had no valid entries.
type Stats struct {
	AP       float64 `json:"ap"`
	AP50     float64 `json:"ap50"`
	AP75     float64 `json:"ap75"`
	APSmall  float64 `json:"ap_small"`
	APMedium float64 `json:"ap_medium"`
	APLarge  float64 `json:"ap_large"`
	AR1      float64 `json:"ar1"`
	AR10     float64 `json:"ar10"`
	AR100    float64 `json:"ar100"`
	ARSmall  float64 `json:"ar_small"`
	ARMedium float64 `json:"ar_medium"`
	ARLarge  float64 `json:"ar_large"`
}

// NewAccumulator creates an accumulator over a merged result tensor.
func NewAccumulator(p Params, merged *ResultSet) *Accumulator {
	return &Accumulator{
		p:      p,
		merged: merged,
		T:      len(p.IoUThrs),
		R:      len(p.RecThrs),
		K:      len(merged.CatIDs),
		A:      len(merged.AreaRng),
		M:      len(p.MaxDets),
	}
}

func (ac *Accumulator) pIdx(t, r, k, a, m int) int {
	return ((((t*ac.R)+r)*ac.K+k)*ac.A+a)*ac.M + m
}

func (ac *Accumulator) rIdx(t, k, a, m int) int {
	return (((t*ac.K)+k)*ac.A+a)*ac.M + m
}

// Accumulate sweeps detections in global descending-score order for every
// (category, area-range, max-dets) combination and every IoU threshold,
// deriving interpolated precision at the fixed recall points.
func (ac *Accumulator) Accumulate() {
	ac.precision = filled(ac.T*ac.R*ac.K*ac.A*ac.M, -1)
	ac.recall = filled(ac.T*ac.K*ac.A*ac.M, -1)
	ac.scores = filled(ac.T*ac.R*ac.K*ac.A*ac.M, -1)

	for k := 0; k < ac.K; k++ {
		for a := 0; a < ac.A; a++ {
			for m := 0; m < ac.M; m++ {
				ac.accumulateCell(k, a, m)
			}
		}
	}
	ac.done = true
}

func (ac *Accumulator) accumulateCell(k, a, m int) {
	maxDet := ac.p.MaxDets[m]

	var results []*ImageResult
	for _, r := range ac.merged.Cells[k][a] {
		if r != nil {
			results = append(results, r)
		}
	}
	if len(results) == 0 {
		return
	}

	// Concatenate detections across images, capped per image at maxDet, then
	// order globally by descending score. The sort is stable so equal scores
	// keep image order, which keeps the sweep deterministic.
	var dtScores []float64
	var srcResult []int // result index per detection
	var srcDet []int    // detection index within its result
	for ri, r := range results {
		n := min(maxDet, len(r.DtScores))
		for d := 0; d < n; d++ {
			dtScores = append(dtScores, r.DtScores[d])
			srcResult = append(srcResult, ri)
			srcDet = append(srcDet, d)
		}
	}

	order := make([]int, len(dtScores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return dtScores[order[i]] > dtScores[order[j]]
	})

	npig := 0
	for _, r := range results {
		for _, ig := range r.GtIgnore {
			if !ig {
				npig++
			}
		}
	}
	if npig == 0 {
		return
	}

	nd := len(order)
	for t := 0; t < ac.T; t++ {
		rc := make([]float64, nd)
		pr := make([]float64, nd)
		sortedScores := make([]float64, nd)

		tp, fp := 0.0, 0.0
		for i, oi := range order {
			r := results[srcResult[oi]]
			d := srcDet[oi]
			matched := r.DtMatches[t][d] != 0
			ignored := r.DtIgnore[t][d]
			if matched && !ignored {
				tp++
			} else if !matched && !ignored {
				fp++
			}
			rc[i] = tp / float64(npig)
			pr[i] = tp / (fp + tp + eps)
			sortedScores[i] = dtScores[oi]
		}

		if nd > 0 {
			ac.recall[ac.rIdx(t, k, a, m)] = rc[nd-1]
		} else {
			ac.recall[ac.rIdx(t, k, a, m)] = 0
		}

		// Interpolated precision: non-increasing from the right.
		for i := nd - 1; i > 0; i-- {
			if pr[i] > pr[i-1] {
				pr[i-1] = pr[i]
			}
		}

		for ri, thr := range ac.p.RecThrs {
			pi := sort.SearchFloat64s(rc, thr)
			if pi < nd {
				ac.precision[ac.pIdx(t, ri, k, a, m)] = pr[pi]
				ac.scores[ac.pIdx(t, ri, k, a, m)] = sortedScores[pi]
			} else {
				ac.precision[ac.pIdx(t, ri, k, a, m)] = 0
				ac.scores[ac.pIdx(t, ri, k, a, m)] = 0
			}
		}
	}
}

// Summarize reduces the accumulated precision array to the standard scalar
// metrics. Values are in [0, 1]; a slice with no valid entries yields -1.
func (ac *Accumulator) Summarize() Stats {
	if !ac.done {
		ac.Accumulate()
	}

	last := ac.p.MaxDet()
	return Stats{
		AP:       ac.summarize(true, 0, AreaAll, last),
		AP50:     ac.summarize(true, 0.5, AreaAll, last),
		AP75:     ac.summarize(true, 0.75, AreaAll, last),
		APSmall:  ac.summarize(true, 0, AreaSmall, last),
		APMedium: ac.summarize(true, 0, AreaMedium, last),
		APLarge:  ac.summarize(true, 0, AreaLarge, last),
		AR1:      ac.summarize(false, 0, AreaAll, ac.p.MaxDets[0]),
		AR10:     ac.summarize(false, 0, AreaAll, ac.p.MaxDets[min(1, len(ac.p.MaxDets)-1)]),
		AR100:    ac.summarize(false, 0, AreaAll, last),
		ARSmall:  ac.summarize(false, 0, AreaSmall, last),
		ARMedium: ac.summarize(false, 0, AreaMedium, last),
		ARLarge:  ac.summarize(false, 0, AreaLarge, last),
	}
}

// summarize averages the valid entries of one metric slice. iouThr == 0
// averages over all IoU thresholds.
func (ac *Accumulator) summarize(ap bool, iouThr float64, areaLbl string, maxDet int) float64 {
	aind := ac.p.AreaRngIndex(areaLbl)
	mind := ac.p.MaxDetsIndex(maxDet)
	if aind < 0 || mind < 0 {
		return -1
	}

	sum, n := 0.0, 0
	for t, thr := range ac.p.IoUThrs {
		if iouThr != 0 && math.Abs(thr-iouThr) > 1e-9 {
			continue
		}
		if ap {
			for r := 0; r < ac.R; r++ {
				for k := 0; k < ac.K; k++ {
					if v := ac.precision[ac.pIdx(t, r, k, aind, mind)]; v > -1 {
						sum += v
						n++
					}
				}
			}
		} else {
			for k := 0; k < ac.K; k++ {
				if v := ac.recall[ac.rIdx(t, k, aind, mind)]; v > -1 {
					sum += v
					n++
				}
			}
		}
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}

// PerCategoryAP averages precision over IoU thresholds and recall points for
// one category, area range "all", max-dets = the matching cap. Returns NaN
// when the category has no valid entries.
func (ac *Accumulator) PerCategoryAP(k int) float64 {
	if !ac.done {
		ac.Accumulate()
	}

	aind := ac.p.AreaRngIndex(AreaAll)
	mind := ac.M - 1

	sum, n := 0.0, 0
	for t := 0; t < ac.T; t++ {
		for r := 0; r < ac.R; r++ {
			if v := ac.precision[ac.pIdx(t, r, k, aind, mind)]; v > -1 {
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
