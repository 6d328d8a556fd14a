package eval

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/boxeval/box-eval/internal/coco"
)

// cell holds the precomputed inputs for one (image, category) pair: ground
// truths in dataset order, detections sorted by descending score and
// truncated to the matching cap, and their IoU matrix.
type cell struct {
	gts  []*coco.Annotation
	dts  []*coco.Annotation
	ious [][]float64
}

// Evaluation runs the per-image matching over the cross product of
// (image, category, area-range) for one process's image partition.
type Evaluation struct {
	gt      *coco.Store
	dt      *coco.Store
	p       Params
	workers int
}

// New creates an evaluation of detections dt against ground truth gt. If the
// params carry no category or image ids they default to everything in the
// ground-truth store.
func New(gt, dt *coco.Store, p Params) *Evaluation {
	if len(p.CatIDs) == 0 {
		p = p.WithCats(gt.CatIDs())
	} else {
		p = p.WithCats(p.CatIDs)
	}
	if len(p.ImgIDs) == 0 {
		p = p.WithImgs(gt.ImgIDs())
	} else {
		p = p.WithImgs(p.ImgIDs)
	}
	return &Evaluation{gt: gt, dt: dt, p: p}
}

// SetWorkers bounds the parallel IoU computation. Zero means GOMAXPROCS.
func (e *Evaluation) SetWorkers(n int) {
	e.workers = n
}

// Params returns the normalized evaluation parameters.
func (e *Evaluation) Params() Params {
	return e.p
}

// Run evaluates every (image, category, area-range) cell and returns the
// result tensor with the image axis in e.Params().ImgIDs order. IoU matrices
// are computed per (image, category) pair, in parallel across pairs; the
// matching itself is sequential and deterministic.
func (e *Evaluation) Run(ctx context.Context) (*ResultSet, error) {
	imgIDs := e.p.ImgIDs
	catIDs := e.p.CatIDs
	maxDet := e.p.MaxDet()

	cells := make([][]*cell, len(catIDs))
	for k := range cells {
		cells[k] = make([]*cell, len(imgIDs))
	}

	workers := e.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for k, catID := range catIDs {
		for i, imgID := range imgIDs {
			k, i, catID, imgID := k, i, catID, imgID
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				cells[k][i] = e.prepareCell(imgID, catID, maxDet)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rs := newResultSet(catIDs, e.p.AreaRng, imgIDs)
	for k := range catIDs {
		for a, rng := range e.p.AreaRng {
			for i := range imgIDs {
				rs.Cells[k][a][i] = evaluateImg(cells[k][i], catIDs[k], imgIDs[i], rng, maxDet, e.p.IoUThrs)
			}
		}
	}

	return rs, nil
}

// prepareCell fetches the annotations for one (image, category) pair, sorts
// detections by descending score (stable, so ties keep input order), applies
// the detection cap and computes the IoU matrix.
func (e *Evaluation) prepareCell(imgID int64, catID int, maxDet int) *cell {
	gts := e.gt.Anns(imgID, catID)
	dts := sortByScore(e.dt.Anns(imgID, catID))
	if len(dts) > maxDet {
		dts = dts[:maxDet]
	}

	dtBoxes := make([]coco.Box, len(dts))
	for i, d := range dts {
		dtBoxes[i] = d.Bbox
	}
	gtBoxes := make([]coco.Box, len(gts))
	iscrowd := make([]bool, len(gts))
	for i, g := range gts {
		gtBoxes[i] = g.Bbox
		iscrowd[i] = g.IsCrowd != 0
	}

	return &cell{
		gts:  gts,
		dts:  dts,
		ious: coco.IoUMatrix(dtBoxes, gtBoxes, iscrowd),
	}
}

func sortByScore(anns []*coco.Annotation) []*coco.Annotation {
	out := append([]*coco.Annotation(nil), anns...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
