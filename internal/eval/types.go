package eval

import (
	"fmt"

	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
)

// ImageResult is the match record for one (image, category, area-range) cell.
// It captures, per IoU threshold, which ground truths and detections matched,
// plus the score and ignore flags needed to reconstruct precision/recall at
// any score threshold without re-running IoU computation. Immutable after
// creation. A nil *ImageResult means the cell had neither ground truth nor
// detections.
type ImageResult struct {
	ImageID    int64      `json:"image_id"`
	CategoryID int        `json:"category_id"`
	AreaRng    [2]float64 `json:"area_rng"`
	MaxDet     int        `json:"max_det"`

	// DtIDs and GtIDs identify detections (score-ordered, truncated to
	// MaxDet) and ground truths (non-ignored first).
	DtIDs []int64 `json:"dt_ids"`
	GtIDs []int64 `json:"gt_ids"`

	// DtMatches[t][d] is the matched ground-truth id at IoU threshold t, or 0.
	// GtMatches[t][g] is the matched detection id, or 0.
	DtMatches [][]int64 `json:"dt_matches"`
	GtMatches [][]int64 `json:"gt_matches"`

	// DtScores are the detection scores in DtIDs order.
	DtScores []float64 `json:"dt_scores"`

	// GtIgnore marks ground truths that do not count for this area range.
	// DtIgnore[t][d] marks detections matched to ignored ground truths or
	// unmatched detections outside the area range.
	GtIgnore []bool   `json:"gt_ignore"`
	DtIgnore [][]bool `json:"dt_ignore"`
}

// ResultSet is the per-process evaluation tensor: one ImageResult per
// (category, area-range, image) cell, indexed Cells[k][a][i].
type ResultSet struct {
	CatIDs  []int          `json:"cat_ids"`
	AreaRng [][2]float64   `json:"area_rng"`
	ImgIDs  []int64        `json:"img_ids"`
	Cells   [][][]*ImageResult `json:"cells"`
}

// Shape returns the (category, area-range, image) axis lengths.
func (rs *ResultSet) Shape() (k, a, i int) {
	return len(rs.CatIDs), len(rs.AreaRng), len(rs.ImgIDs)
}

// At returns the cell for category index k, area-range index a, image index i.
func (rs *ResultSet) At(k, a, i int) *ImageResult {
	return rs.Cells[k][a][i]
}

func newResultSet(catIDs []int, areaRng [][2]float64, imgIDs []int64) *ResultSet {
	rs := &ResultSet{
		CatIDs:  append([]int(nil), catIDs...),
		AreaRng: append([][2]float64(nil), areaRng...),
		ImgIDs:  append([]int64(nil), imgIDs...),
	}
	rs.Cells = make([][][]*ImageResult, len(catIDs))
	for k := range rs.Cells {
		rs.Cells[k] = make([][]*ImageResult, len(areaRng))
		for a := range rs.Cells[k] {
			rs.Cells[k][a] = make([]*ImageResult, len(imgIDs))
		}
	}
	return rs
}

// EmptyResultSet returns a tensor with the given category and area-range
// axes and an empty image axis. Used by processes that never saw a batch.
func EmptyResultSet(catIDs []int, areaRng [][2]float64) *ResultSet {
	return newResultSet(catIDs, areaRng, nil)
}

// sameShape checks the category and area-range axes agree. The image axis is
// allowed to differ; it is the concatenation/merge axis.
func (rs *ResultSet) sameShape(other *ResultSet) error {
	if len(rs.CatIDs) != len(other.CatIDs) {
		return apperrors.ShapeMismatchError(fmt.Sprintf(
			"category axis mismatch: %d vs %d", len(rs.CatIDs), len(other.CatIDs)))
	}
	for i, id := range rs.CatIDs {
		if other.CatIDs[i] != id {
			return apperrors.ShapeMismatchError(fmt.Sprintf(
				"category id mismatch at index %d: %d vs %d", i, id, other.CatIDs[i]))
		}
	}
	if len(rs.AreaRng) != len(other.AreaRng) {
		return apperrors.ShapeMismatchError(fmt.Sprintf(
			"area-range axis mismatch: %d vs %d", len(rs.AreaRng), len(other.AreaRng)))
	}
	for i, rng := range rs.AreaRng {
		if other.AreaRng[i] != rng {
			return apperrors.ShapeMismatchError(fmt.Sprintf(
				"area range mismatch at index %d: %v vs %v", i, rng, other.AreaRng[i]))
		}
	}
	return nil
}

// Concat concatenates result sets along the image axis, in input order. All
// sets must share category and area-range axes. Duplicate image ids are kept;
// Merge resolves them.
func Concat(sets []*ResultSet) (*ResultSet, error) {
	if len(sets) == 0 {
		return nil, apperrors.ValidationError("no result sets to concatenate")
	}

	first := sets[0]
	total := 0
	for _, rs := range sets {
		if err := first.sameShape(rs); err != nil {
			return nil, err
		}
		total += len(rs.ImgIDs)
	}

	out := &ResultSet{
		CatIDs:  append([]int(nil), first.CatIDs...),
		AreaRng: append([][2]float64(nil), first.AreaRng...),
		ImgIDs:  make([]int64, 0, total),
	}
	for _, rs := range sets {
		out.ImgIDs = append(out.ImgIDs, rs.ImgIDs...)
	}

	out.Cells = make([][][]*ImageResult, len(first.CatIDs))
	for k := range out.Cells {
		out.Cells[k] = make([][]*ImageResult, len(first.AreaRng))
		for a := range out.Cells[k] {
			row := make([]*ImageResult, 0, total)
			for _, rs := range sets {
				row = append(row, rs.Cells[k][a]...)
			}
			out.Cells[k][a] = row
		}
	}

	return out, nil
}
