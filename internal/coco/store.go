package coco

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
)

type imgCatKey struct {
	img int64
	cat int
}

// Store indexes a COCO dataset for evaluation. It is read-only after
// construction; a deep copy of the dataset is taken so later mutation of the
// caller's data cannot corrupt evaluation state.
type Store struct {
	dataset *Dataset

	anns      map[int64]*Annotation
	imgs      map[int64]*Image
	cats      map[int]*Category
	imgToAnns map[int64][]*Annotation
	cellAnns  map[imgCatKey][]*Annotation

	catIDs []int   // dataset order
	imgIDs []int64 // dataset order
}

// NewStore loads a COCO annotation file from disk.
func NewStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.AnnotationError("reading annotation file", err)
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, apperrors.AnnotationError("parsing annotation file", err)
	}

	return newStore(&ds), nil
}

// NewStoreFromDataset builds a store from an in-memory dataset. The dataset
// is deep-copied.
func NewStoreFromDataset(ds *Dataset) *Store {
	return newStore(ds.Clone())
}

func newStore(ds *Dataset) *Store {
	s := &Store{
		dataset:   ds,
		anns:      make(map[int64]*Annotation, len(ds.Annotations)),
		imgs:      make(map[int64]*Image, len(ds.Images)),
		cats:      make(map[int]*Category, len(ds.Categories)),
		imgToAnns: make(map[int64][]*Annotation),
		cellAnns:  make(map[imgCatKey][]*Annotation),
	}

	for i := range ds.Images {
		img := &ds.Images[i]
		s.imgs[img.ID] = img
		s.imgIDs = append(s.imgIDs, img.ID)
	}
	for i := range ds.Categories {
		cat := &ds.Categories[i]
		s.cats[cat.ID] = cat
		s.catIDs = append(s.catIDs, cat.ID)
	}
	for i := range ds.Annotations {
		ann := &ds.Annotations[i]
		s.anns[ann.ID] = ann
		s.imgToAnns[ann.ImageID] = append(s.imgToAnns[ann.ImageID], ann)
		key := imgCatKey{ann.ImageID, ann.CategoryID}
		s.cellAnns[key] = append(s.cellAnns[key], ann)
	}

	return s
}

// Clone returns an independent deep copy of the store.
func (s *Store) Clone() *Store {
	return newStore(s.dataset.Clone())
}

// CatIDs returns the category ids in dataset order. Index i of the returned
// slice is the category id for contiguous training-class index i.
func (s *Store) CatIDs() []int {
	out := make([]int, len(s.catIDs))
	copy(out, s.catIDs)
	return out
}

// ImgIDs returns all image ids, sorted ascending.
func (s *Store) ImgIDs() []int64 {
	out := make([]int64, len(s.imgIDs))
	copy(out, s.imgIDs)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cat returns the category for an id, or nil if unknown.
func (s *Store) Cat(id int) *Category {
	return s.cats[id]
}

// CatNames returns the category names in dataset order.
func (s *Store) CatNames() []string {
	names := make([]string, len(s.catIDs))
	for i, id := range s.catIDs {
		names[i] = s.cats[id].Name
	}
	return names
}

// HasImg reports whether the store knows the image id.
func (s *Store) HasImg(id int64) bool {
	_, ok := s.imgs[id]
	return ok
}

// Anns returns the annotations for an (image, category) cell in dataset
// order. The returned slice is shared; callers must not mutate it.
func (s *Store) Anns(imgID int64, catID int) []*Annotation {
	return s.cellAnns[imgCatKey{imgID, catID}]
}

// ImgAnns returns all annotations for an image in dataset order.
func (s *Store) ImgAnns(imgID int64) []*Annotation {
	return s.imgToAnns[imgID]
}

// LoadRes builds a detection-result store against this ground-truth store.
// Detection image ids must be a subset of the ground-truth image ids; box
// areas are computed from the boxes and detection ids are assigned 1..n in
// input order.
func (s *Store) LoadRes(dets []Detection) (*Store, error) {
	ds := &Dataset{
		Images:     append([]Image(nil), s.dataset.Images...),
		Categories: append([]Category(nil), s.dataset.Categories...),
	}

	ds.Annotations = make([]Annotation, len(dets))
	for i, det := range dets {
		if !s.HasImg(det.ImageID) {
			return nil, apperrors.ValidationError(
				fmt.Sprintf("detection references unknown image id %d", det.ImageID))
		}
		ds.Annotations[i] = Annotation{
			ID:         int64(i + 1),
			ImageID:    det.ImageID,
			CategoryID: det.CategoryID,
			Bbox:       det.Bbox,
			Area:       det.Bbox.Area(),
			Score:      det.Score,
		}
	}

	return newStore(ds), nil
}
