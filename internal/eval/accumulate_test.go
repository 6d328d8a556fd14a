package eval

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/boxeval/box-eval/internal/coco"
)

// accumulate evaluates everything in one shard and returns the accumulator.
func accumulate(t *testing.T, gt, dt *coco.Store, p Params) *Accumulator {
	t.Helper()
	ev := New(gt, dt, p)
	rs, err := ev.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	merged, err := Merge([]Shard{{Rank: 0, ImgIDs: rs.ImgIDs, Results: rs}})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	ac := NewAccumulator(ev.Params(), merged)
	ac.Accumulate()
	return ac
}

func TestAccumulator_PerfectPredictions(t *testing.T) {
	gt := gtStore(t, personCat, []coco.Annotation{
		{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Area: 2500},
		{ID: 2, ImageID: 2, CategoryID: 1, Bbox: coco.Box{10, 10, 40, 40}, Area: 1600},
	}, 1, 2)
	dt := dtStore(t, gt, []coco.Detection{
		{ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Score: 1.0},
		{ImageID: 2, CategoryID: 1, Bbox: coco.Box{10, 10, 40, 40}, Score: 1.0},
	})

	stats := accumulate(t, gt, dt, DefaultParams()).Summarize()

	if stats.AP != 1 {
		t.Errorf("AP = %v, want 1", stats.AP)
	}
	if stats.AP50 != 1 || stats.AP75 != 1 {
		t.Errorf("AP50 = %v, AP75 = %v, want 1", stats.AP50, stats.AP75)
	}
	if stats.AR100 != 1 {
		t.Errorf("AR100 = %v, want 1", stats.AR100)
	}
}

func TestAccumulator_MissedGroundTruthHalvesRecall(t *testing.T) {
	gt := gtStore(t, personCat, []coco.Annotation{
		{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Area: 2500},
		{ID: 2, ImageID: 2, CategoryID: 1, Bbox: coco.Box{10, 10, 40, 40}, Area: 1600},
	}, 1, 2)
	// Only one of two ground truths detected.
	dt := dtStore(t, gt, []coco.Detection{
		{ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Score: 0.9},
	})

	stats := accumulate(t, gt, dt, DefaultParams()).Summarize()

	// Precision 1 up to recall 0.5, 0 beyond: AP is ~0.5 (50 of 101 recall
	// points covered, plus the exact 0.5 point).
	wantAP := 51.0 / 101.0
	if math.Abs(stats.AP-wantAP) > 1e-9 {
		t.Errorf("AP = %v, want %v", stats.AP, wantAP)
	}
	if math.Abs(stats.AR100-0.5) > 1e-9 {
		t.Errorf("AR100 = %v, want 0.5", stats.AR100)
	}
}

func TestAccumulator_FalsePositiveLowersPrecisionNotRecall(t *testing.T) {
	gt := gtStore(t, personCat, []coco.Annotation{
		{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Area: 2500},
	}, 1)
	dt := dtStore(t, gt, []coco.Detection{
		{ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Score: 0.9},
		{ImageID: 1, CategoryID: 1, Bbox: coco.Box{200, 200, 10, 10}, Score: 0.8},
	})

	stats := accumulate(t, gt, dt, DefaultParams()).Summarize()

	// The true positive ranks first, so interpolated precision stays 1 at
	// every achieved recall point.
	if stats.AP != 1 {
		t.Errorf("AP = %v, want 1", stats.AP)
	}
	if stats.AR100 != 1 {
		t.Errorf("AR100 = %v, want 1", stats.AR100)
	}
}

func TestAccumulator_NoDetectionsYieldsZeroAP(t *testing.T) {
	gt := gtStore(t, personCat, []coco.Annotation{
		{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Area: 2500},
	}, 1)
	dt := dtStore(t, gt, nil)

	stats := accumulate(t, gt, dt, DefaultParams()).Summarize()

	if stats.AP != 0 {
		t.Errorf("AP = %v, want 0 (all ground truths missed)", stats.AP)
	}
}

func TestAccumulator_EmptySlicesAreInvalid(t *testing.T) {
	// Ground truth only in the small bucket: the large bucket has no valid
	// entries and must report -1, not 0.
	gt := gtStore(t, personCat, []coco.Annotation{
		{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 10, 10}, Area: 100},
	}, 1)
	dt := dtStore(t, gt, []coco.Detection{
		{ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 10, 10}, Score: 0.9},
	})

	stats := accumulate(t, gt, dt, DefaultParams()).Summarize()

	if stats.APSmall != 1 {
		t.Errorf("APSmall = %v, want 1", stats.APSmall)
	}
	if stats.APLarge != -1 {
		t.Errorf("APLarge = %v, want -1 (no valid entries)", stats.APLarge)
	}
	if stats.ARLarge != -1 {
		t.Errorf("ARLarge = %v, want -1 (no valid entries)", stats.ARLarge)
	}
}

func TestAccumulator_SummarizeIdempotent(t *testing.T) {
	gt := gtStore(t, personCat, []coco.Annotation{
		{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Area: 2500},
		{ID: 2, ImageID: 2, CategoryID: 1, Bbox: coco.Box{10, 10, 40, 40}, Area: 1600},
	}, 1, 2)
	dt := dtStore(t, gt, []coco.Detection{
		{ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Score: 0.9},
		{ImageID: 2, CategoryID: 1, Bbox: coco.Box{100, 100, 5, 5}, Score: 0.4},
	})

	ac := accumulate(t, gt, dt, DefaultParams())

	first := ac.Summarize()
	second := ac.Summarize()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Summarize() not idempotent: %+v vs %+v", first, second)
	}

	// Re-accumulating from the same merged tensor is also bit-identical.
	ac.Accumulate()
	third := ac.Summarize()
	if !reflect.DeepEqual(first, third) {
		t.Errorf("re-accumulation changed results: %+v vs %+v", first, third)
	}
}

func TestAccumulator_PerCategoryAP(t *testing.T) {
	cats := []coco.Category{{ID: 1, Name: "person"}, {ID: 2, Name: "car"}}
	gt := gtStore(t, cats, []coco.Annotation{
		{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Area: 2500},
		{ID: 2, ImageID: 1, CategoryID: 2, Bbox: coco.Box{60, 60, 30, 30}, Area: 900},
	}, 1)
	// Person detected perfectly, car missed entirely.
	dt := dtStore(t, gt, []coco.Detection{
		{ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Score: 1.0},
	})

	ac := accumulate(t, gt, dt, DefaultParams())

	if ap := ac.PerCategoryAP(0); ap != 1 {
		t.Errorf("PerCategoryAP(person) = %v, want 1", ap)
	}
	if ap := ac.PerCategoryAP(1); ap != 0 {
		t.Errorf("PerCategoryAP(car) = %v, want 0", ap)
	}
}

func TestAccumulator_NoGroundTruthCategoryIsNaN(t *testing.T) {
	cats := []coco.Category{{ID: 1, Name: "person"}, {ID: 2, Name: "car"}}
	gt := gtStore(t, cats, []coco.Annotation{
		{ID: 1, ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Area: 2500},
	}, 1)
	dt := dtStore(t, gt, []coco.Detection{
		{ImageID: 1, CategoryID: 1, Bbox: coco.Box{0, 0, 50, 50}, Score: 1.0},
	})

	ac := accumulate(t, gt, dt, DefaultParams())

	if ap := ac.PerCategoryAP(1); !math.IsNaN(ap) {
		t.Errorf("PerCategoryAP(car) = %v, want NaN (no ground truth, no detections)", ap)
	}

	// The overall AP averages only valid slices; person alone gives 1.
	if stats := ac.Summarize(); stats.AP != 1 {
		t.Errorf("AP = %v, want 1", stats.AP)
	}
}
