// Package coco provides the COCO-format annotation store the evaluation
// engine reads ground truth and detection results from.
package coco

// Dataset mirrors the COCO annotation file layout.
type Dataset struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
}

// Image holds per-image metadata.
type Image struct {
	ID       int64  `json:"id"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Annotation is a single ground-truth or detection box.
type Annotation struct {
	ID         int64   `json:"id"`
	ImageID    int64   `json:"image_id"`
	CategoryID int     `json:"category_id"`
	Bbox       Box     `json:"bbox"`
	Area       float64 `json:"area"`
	IsCrowd    int     `json:"iscrowd"`
	Ignore     int     `json:"ignore,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// Category names an annotation category.
type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory,omitempty"`
}

// Detection is one detection record in the store's result format: the image
// it belongs to, the category in the annotation id space, an xywh box, and a
// confidence score in [0, 1].
type Detection struct {
	ImageID    int64   `json:"image_id"`
	CategoryID int     `json:"category_id"`
	Bbox       Box     `json:"bbox"`
	Score      float64 `json:"score"`
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Images:      make([]Image, len(d.Images)),
		Annotations: make([]Annotation, len(d.Annotations)),
		Categories:  make([]Category, len(d.Categories)),
	}
	copy(out.Images, d.Images)
	copy(out.Annotations, d.Annotations)
	copy(out.Categories, d.Categories)
	return out
}
