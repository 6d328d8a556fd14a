package evaluator

import (
	"fmt"

	"github.com/boxeval/box-eval/internal/coco"
	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
)

// formatter converts model predictions from the contiguous training-class
// space into annotation-space detection records. The class table is fixed at
// construction; labels outside it fail the batch.
type formatter struct {
	catTable []int // contiguous training-class index -> annotation category id
}

func newFormatter(iouType string, catTable []int) (*formatter, error) {
	if iouType != "bbox" {
		return nil, apperrors.UnsupportedIoUError(iouType)
	}
	if len(catTable) == 0 {
		return nil, apperrors.ValidationError("annotation source has no categories")
	}
	return &formatter{catTable: append([]int(nil), catTable...)}, nil
}

// format flattens one batch of per-image predictions into detection records.
// Boxes arrive in corner (xyxy) format and leave in corner-size (xywh).
func (f *formatter) format(preds []Prediction, targets []Target) ([]coco.Detection, error) {
	if len(preds) != len(targets) {
		return nil, apperrors.ValidationError(fmt.Sprintf(
			"got %d predictions for %d targets", len(preds), len(targets)))
	}

	var dets []coco.Detection
	for i, pred := range preds {
		if len(pred.Boxes) != len(pred.Scores) || len(pred.Boxes) != len(pred.Labels) {
			return nil, apperrors.ValidationError(fmt.Sprintf(
				"image %d: boxes/scores/labels lengths disagree: %d/%d/%d",
				targets[i].ImageID, len(pred.Boxes), len(pred.Scores), len(pred.Labels)))
		}
		for j, box := range pred.Boxes {
			label := pred.Labels[j]
			if label < 0 || label >= len(f.catTable) {
				return nil, apperrors.ValidationError(fmt.Sprintf(
					"image %d: label %d outside class table of size %d",
					targets[i].ImageID, label, len(f.catTable)))
			}
			dets = append(dets, coco.Detection{
				ImageID:    targets[i].ImageID,
				CategoryID: f.catTable[label],
				Bbox:       coco.FromXYXY(box[0], box[1], box[2], box[3]),
				Score:      pred.Scores[j],
			})
		}
	}
	return dets, nil
}
