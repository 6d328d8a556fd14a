package coco

import (
	"math"
	"testing"
)

func TestBox_RoundTrip(t *testing.T) {
	b := FromXYXY(10, 10, 30, 40)

	want := Box{10, 10, 20, 30}
	if b != want {
		t.Fatalf("FromXYXY = %v, want %v", b, want)
	}

	x1, y1, x2, y2 := b.XYXY()
	if x1 != 10 || y1 != 10 || x2 != 30 || y2 != 40 {
		t.Errorf("XYXY() = %v %v %v %v, want 10 10 30 40", x1, y1, x2, y2)
	}
}

func TestBox_Area(t *testing.T) {
	b := Box{5, 5, 4, 3}
	if got := b.Area(); got != 12 {
		t.Errorf("Area() = %v, want 12", got)
	}
}

func TestBox_IoU(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Box
		crowd bool
		want  float64
	}{
		{
			name: "identical boxes",
			a:    Box{0, 0, 10, 10},
			b:    Box{0, 0, 10, 10},
			want: 1,
		},
		{
			name: "disjoint boxes",
			a:    Box{0, 0, 10, 10},
			b:    Box{20, 20, 5, 5},
			want: 0,
		},
		{
			name: "touching edges",
			a:    Box{0, 0, 10, 10},
			b:    Box{10, 0, 10, 10},
			want: 0,
		},
		{
			name: "half overlap",
			a:    Box{0, 0, 10, 10},
			b:    Box{5, 0, 10, 10},
			want: 50.0 / 150.0,
		},
		{
			name:  "crowd denominator is detection area",
			a:     Box{0, 0, 10, 10},
			b:     Box{0, 0, 100, 100},
			crowd: true,
			want:  1, // fully inside the crowd region
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.IoU(tt.b, tt.crowd)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("IoU() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIoUMatrix(t *testing.T) {
	dts := []Box{{0, 0, 10, 10}, {100, 100, 10, 10}}
	gts := []Box{{0, 0, 10, 10}, {5, 0, 10, 10}, {200, 200, 1, 1}}

	m := IoUMatrix(dts, gts, nil)

	if len(m) != 2 || len(m[0]) != 3 {
		t.Fatalf("matrix shape = %dx%d, want 2x3", len(m), len(m[0]))
	}
	if m[0][0] != 1 {
		t.Errorf("m[0][0] = %v, want 1", m[0][0])
	}
	if m[1][0] != 0 || m[1][1] != 0 || m[1][2] != 0 {
		t.Errorf("row for disjoint detection should be all zero, got %v", m[1])
	}
}

func TestIoUMatrix_Empty(t *testing.T) {
	if m := IoUMatrix(nil, []Box{{0, 0, 1, 1}}, nil); len(m) != 0 {
		t.Errorf("matrix with no detections should be empty, got %v", m)
	}
}
