package coco

// Box is a bounding box in [x, y, width, height] order, the convention used
// by COCO annotation files. Coordinates are absolute pixels.
type Box [4]float64

// FromXYXY builds a Box from corner coordinates [x1, y1, x2, y2].
func FromXYXY(x1, y1, x2, y2 float64) Box {
	return Box{x1, y1, x2 - x1, y2 - y1}
}

// XYXY returns the corner coordinates [x1, y1, x2, y2] of the box.
func (b Box) XYXY() (x1, y1, x2, y2 float64) {
	return b[0], b[1], b[0] + b[2], b[1] + b[3]
}

// Area returns the box area.
func (b Box) Area() float64 {
	return b[2] * b[3]
}

// IoU returns the intersection over union of two boxes. When crowd is set the
// denominator is the area of b alone, the convention for matching against
// crowd regions.
func (b Box) IoU(g Box, crowd bool) float64 {
	x1 := max(b[0], g[0])
	y1 := max(b[1], g[1])
	x2 := min(b[0]+b[2], g[0]+g[2])
	y2 := min(b[1]+b[3], g[1]+g[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)

	var union float64
	if crowd {
		union = b.Area()
	} else {
		union = b.Area() + g.Area() - inter
	}
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IoUMatrix computes the detection x ground-truth IoU matrix. Row d column g
// holds IoU(dts[d], gts[g]); iscrowd flags apply per ground truth and may be
// nil when no crowd regions are present.
func IoUMatrix(dts, gts []Box, iscrowd []bool) [][]float64 {
	m := make([][]float64, len(dts))
	for d, dt := range dts {
		row := make([]float64, len(gts))
		for g, gt := range gts {
			crowd := iscrowd != nil && iscrowd[g]
			row[g] = dt.IoU(gt, crowd)
		}
		m[d] = row
	}
	return m
}
