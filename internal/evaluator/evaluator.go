package evaluator

import (
	"context"
	"math"
	"sync"

	"github.com/boxeval/box-eval/internal/coco"
	"github.com/boxeval/box-eval/internal/eval"
	"github.com/boxeval/box-eval/internal/gather"
	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
	"github.com/boxeval/box-eval/internal/pkg/logger"
)

// Options configure an Evaluator.
type Options struct {
	// IoUType selects the matching geometry. Only "bbox" is implemented;
	// anything else fails at construction.
	IoUType string

	// MaxDets overrides the detection-count thresholds. Empty keeps the
	// protocol default [1, 10, 100].
	MaxDets []int

	// Workers bounds the parallel IoU computation per batch. Zero means
	// GOMAXPROCS.
	Workers int

	// Gather is the distributed collective. Nil means a world of one.
	Gather gather.Gather

	// Logger is used for progress and result reporting. Nil means the
	// default logger.
	Logger *logger.Logger
}

// Evaluator implements the two-phase streaming-metric protocol: Update
// accumulates per-batch match records locally, Compute gathers every
// process's records and reduces them to AP/AR summary metrics. An Evaluator
// is single-use: construct, Update any number of times, Compute once.
type Evaluator struct {
	gt  *coco.Store
	fmt *formatter
	p   eval.Params

	workers int
	gather  gather.Gather
	log     *logger.Logger

	mu      sync.Mutex
	imgIDs  []int64 // running concatenation of per-batch sorted-unique ids
	results []*eval.ResultSet
	acc     *eval.Accumulator
}

// New creates an evaluator against an in-memory ground-truth store. The
// store is deep-copied, so later mutation by the caller cannot skew results.
func New(gt *coco.Store, opts Options) (*Evaluator, error) {
	if opts.IoUType == "" {
		opts.IoUType = "bbox"
	}
	f, err := newFormatter(opts.IoUType, gt.CatIDs())
	if err != nil {
		return nil, err
	}

	p := eval.DefaultParams()
	if len(opts.MaxDets) > 0 {
		p.MaxDets = append([]int(nil), opts.MaxDets...)
	}
	p = p.WithCats(gt.CatIDs())

	g := opts.Gather
	if g == nil {
		g = gather.NewNoop()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Evaluator{
		gt:      gt.Clone(),
		fmt:     f,
		p:       p,
		workers: opts.Workers,
		gather:  g,
		log:     log.WithRank(g.Rank()),
	}, nil
}

// NewFromFile creates an evaluator from a COCO annotation file.
func NewFromFile(path string, opts Options) (*Evaluator, error) {
	gt, err := coco.NewStore(path)
	if err != nil {
		return nil, err
	}
	return New(gt, opts)
}

// Update evaluates one batch of per-image predictions against the ground
// truth and appends the match records to this process's running tensor.
// Targets must not repeat an image id within the batch.
func (e *Evaluator) Update(ctx context.Context, preds []Prediction, targets []Target) error {
	batchIDs := make([]int64, len(targets))
	seen := make(map[int64]struct{}, len(targets))
	for i, t := range targets {
		if _, dup := seen[t.ImageID]; dup {
			return apperrors.ValidationError("duplicate image id within batch")
		}
		seen[t.ImageID] = struct{}{}
		batchIDs[i] = t.ImageID
	}

	dets, err := e.fmt.format(preds, targets)
	if err != nil {
		return err
	}

	dt, err := e.gt.LoadRes(dets)
	if err != nil {
		return err
	}

	ev := eval.New(e.gt, dt, e.p.WithImgs(batchIDs))
	ev.SetWorkers(e.workers)
	rs, err := ev.Run(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.imgIDs = append(e.imgIDs, rs.ImgIDs...)
	e.results = append(e.results, rs)
	return nil
}

// UpdateDetections evaluates annotation-space detection records over an
// explicit image set. This is the batch entry point used by the CLI; Update
// is the per-batch one used by training loops. Images without detections
// still count their ground truth as missed.
func (e *Evaluator) UpdateDetections(ctx context.Context, imgIDs []int64, dets []coco.Detection) error {
	ids := eval.SortedUniqueInt64(imgIDs)
	if len(ids) == 0 {
		return apperrors.ValidationError("image id set is empty")
	}

	dt, err := e.gt.LoadRes(dets)
	if err != nil {
		return err
	}

	ev := eval.New(e.gt, dt, e.p.WithImgs(ids))
	ev.SetWorkers(e.workers)
	rs, err := ev.Run(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.imgIDs = append(e.imgIDs, rs.ImgIDs...)
	e.results = append(e.results, rs)
	return nil
}

// Compute gathers every process's match records, merges them into one global
// tensor and reduces it to the standard summary metrics, as percentages.
// When no process produced a single detection the metrics are NaN rather
// than zero, so a broken model is distinguishable from a bad one.
func (e *Evaluator) Compute(ctx context.Context) (Results, error) {
	e.mu.Lock()
	local := eval.EmptyResultSet(e.p.CatIDs, e.p.AreaRng)
	if len(e.results) > 0 {
		var err error
		local, err = eval.Concat(e.results)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	imgIDs := append([]int64(nil), e.imgIDs...)
	e.mu.Unlock()

	shard := eval.Shard{
		Rank:    e.gather.Rank(),
		ImgIDs:  imgIDs,
		Results: local,
	}
	shards, err := e.gather.AllGather(ctx, shard)
	if err != nil {
		return nil, err
	}

	merged, err := eval.Merge(shards)
	if err != nil {
		return nil, err
	}
	e.log.Info("merged evaluation shards",
		"shards", len(shards), "images", len(merged.ImgIDs), "categories", len(merged.CatIDs))

	if !hasDetections(merged) {
		e.log.Warn("no detections from any process; metrics are undefined")
		out := make(Results, len(metricNames))
		for _, name := range metricNames {
			out[name] = math.NaN()
		}
		return out, nil
	}

	acc := eval.NewAccumulator(e.p, merged)
	stats := acc.Summarize()

	e.mu.Lock()
	e.acc = acc
	e.mu.Unlock()

	out := Results{
		"AP":   toPercent(stats.AP),
		"AP50": toPercent(stats.AP50),
		"AP75": toPercent(stats.AP75),
		"APs":  toPercent(stats.APSmall),
		"APm":  toPercent(stats.APMedium),
		"APl":  toPercent(stats.APLarge),
	}

	e.log.Info("evaluation results\n" + summaryTable(out))
	if !allFinite(out) {
		e.log.Warn("some metrics are undefined; the corresponding slices had no valid entries")
	}
	return out, nil
}

// PerCategory returns the per-category AP as percentages, keyed "AP-<name>",
// and logs them as a table. Names default to the annotation category names.
// Must be called after Compute.
func (e *Evaluator) PerCategory(classNames []string) (Results, error) {
	e.mu.Lock()
	acc := e.acc
	e.mu.Unlock()
	if acc == nil {
		return nil, apperrors.ValidationError("per-category results require Compute first")
	}

	if classNames == nil {
		classNames = make([]string, len(e.p.CatIDs))
		for i, id := range e.p.CatIDs {
			classNames[i] = e.gt.Cat(id).Name
		}
	}
	if len(classNames) != len(e.p.CatIDs) {
		return nil, apperrors.ValidationError("class name count does not match category count")
	}

	out := make(Results, len(classNames))
	aps := make([]float64, len(classNames))
	for k, name := range classNames {
		ap := acc.PerCategoryAP(k)
		if !math.IsNaN(ap) {
			ap *= 100
		}
		aps[k] = ap
		out["AP-"+name] = ap
	}

	e.log.Info("per-category AP\n" + perCategoryTable(classNames, aps))
	return out, nil
}

// Close releases the gather collective.
func (e *Evaluator) Close() error {
	return e.gather.Close()
}

func toPercent(v float64) float64 {
	if v < 0 {
		return math.NaN()
	}
	return v * 100
}

func allFinite(r Results) bool {
	for _, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// hasDetections reports whether any cell of the merged tensor recorded a
// detection. Scanning one area range suffices: every range sees the same
// detections, only the ignore flags differ.
func hasDetections(rs *eval.ResultSet) bool {
	for k := range rs.Cells {
		if len(rs.Cells[k]) == 0 {
			continue
		}
		for _, r := range rs.Cells[k][0] {
			if r != nil && len(r.DtScores) > 0 {
				return true
			}
		}
	}
	return false
}
