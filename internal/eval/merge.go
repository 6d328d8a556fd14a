package eval

import (
	"sort"

	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
)

// Shard is one process's contribution to the merge: its running image-id
// list and the matching result tensor. The i-th image id corresponds to the
// i-th image column of the tensor.
type Shard struct {
	Rank   int        `json:"rank"`
	ImgIDs []int64    `json:"img_ids"`
	Results *ResultSet `json:"results"`
}

// Merge reassembles one global evaluation tensor from per-process shards.
// Shards are concatenated in rank order, so the result is independent of
// gather arrival order; the image axis is deduplicated to the sorted-unique
// id set, keeping the first occurrence in concatenation order when two
// processes evaluated the same image. Mismatched category or area-range axes
// across shards fail fast.
func Merge(shards []Shard) (*ResultSet, error) {
	if len(shards) == 0 {
		return nil, apperrors.ValidationError("no shards to merge")
	}

	ordered := append([]Shard(nil), shards...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })

	sets := make([]*ResultSet, len(ordered))
	for i, sh := range ordered {
		if sh.Results == nil {
			return nil, apperrors.ValidationError("shard has no result tensor")
		}
		if len(sh.ImgIDs) != len(sh.Results.ImgIDs) {
			return nil, apperrors.ShapeMismatchError(
				"shard image-id list does not match its tensor's image axis")
		}
		sets[i] = sh.Results
	}

	concat, err := Concat(sets)
	if err != nil {
		return nil, err
	}

	// First occurrence of each id in concatenation order wins.
	firstIdx := make(map[int64]int, len(concat.ImgIDs))
	for i, id := range concat.ImgIDs {
		if _, seen := firstIdx[id]; !seen {
			firstIdx[id] = i
		}
	}

	unique := make([]int64, 0, len(firstIdx))
	for id := range firstIdx {
		unique = append(unique, id)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	merged := newResultSet(concat.CatIDs, concat.AreaRng, unique)
	for k := range merged.Cells {
		for a := range merged.Cells[k] {
			for i, id := range unique {
				merged.Cells[k][a][i] = concat.Cells[k][a][firstIdx[id]]
			}
		}
	}

	return merged, nil
}
