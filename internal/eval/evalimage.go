package eval

// evaluateImg greedily matches detections to ground truths for one
// (image, category, area-range, max-dets) cell, once per IoU threshold.
// Detections are visited in descending-score order; each takes the unmatched
// ground truth with the highest qualifying IoU. Ground truths are ordered
// non-ignored first, so an ignored ground truth is only taken when no
// qualifying non-ignored one exists; such matches count neither as true nor
// as false positives. Crowd ground truths may absorb any number of
// detections. Returns nil when the cell has neither ground truth nor
// detections.
func evaluateImg(c *cell, catID int, imgID int64, aRng [2]float64, maxDet int, iouThrs []float64) *ImageResult {
	if len(c.gts) == 0 && len(c.dts) == 0 {
		return nil
	}

	// Ground truths outside the area bucket, explicitly flagged, or crowd
	// regions are ignored for this cell.
	gtIg := make([]bool, len(c.gts))
	for i, g := range c.gts {
		gtIg[i] = g.Ignore != 0 || g.IsCrowd != 0 || g.Area < aRng[0] || g.Area > aRng[1]
	}

	// Non-ignored ground truths first; stable so ties keep dataset order.
	gtind := make([]int, len(c.gts))
	for i := range gtind {
		gtind[i] = i
	}
	stableSortByIgnore(gtind, gtIg)

	G := len(c.gts)
	sortedIg := make([]bool, G)
	iscrowd := make([]bool, G)
	gtIDs := make([]int64, G)
	for i, gi := range gtind {
		sortedIg[i] = gtIg[gi]
		iscrowd[i] = c.gts[gi].IsCrowd != 0
		gtIDs[i] = c.gts[gi].ID
	}

	dts := c.dts
	if len(dts) > maxDet {
		dts = dts[:maxDet]
	}
	D := len(dts)

	T := len(iouThrs)
	gtm := makeInt64Matrix(T, G)
	dtm := makeInt64Matrix(T, D)
	dtIg := makeBoolMatrix(T, D)

	for t, thr := range iouThrs {
		for d := 0; d < D; d++ {
			// The floor epsilon lets an exact-threshold IoU match.
			best := min(thr, 1-1e-10)
			m := -1
			for gind := 0; gind < G; gind++ {
				// Already claimed, and not a crowd region that can absorb more.
				if gtm[t][gind] != 0 && !iscrowd[gind] {
					continue
				}
				// A non-ignored match is in hand and only ignored ground
				// truths remain; stop.
				if m > -1 && !sortedIg[m] && sortedIg[gind] {
					break
				}
				if c.ious[d][gtind[gind]] < best {
					continue
				}
				best = c.ious[d][gtind[gind]]
				m = gind
			}
			if m == -1 {
				continue
			}
			dtIg[t][d] = sortedIg[m]
			dtm[t][d] = gtIDs[m]
			gtm[t][m] = dts[d].ID
		}
	}

	// Unmatched detections outside the area bucket never count as false
	// positives for this bucket.
	outside := make([]bool, D)
	for d, dt := range dts {
		outside[d] = dt.Area < aRng[0] || dt.Area > aRng[1]
	}
	for t := 0; t < T; t++ {
		for d := 0; d < D; d++ {
			if dtm[t][d] == 0 && outside[d] {
				dtIg[t][d] = true
			}
		}
	}

	dtIDs := make([]int64, D)
	dtScores := make([]float64, D)
	for d, dt := range dts {
		dtIDs[d] = dt.ID
		dtScores[d] = dt.Score
	}

	return &ImageResult{
		ImageID:    imgID,
		CategoryID: catID,
		AreaRng:    aRng,
		MaxDet:     maxDet,
		DtIDs:      dtIDs,
		GtIDs:      gtIDs,
		DtMatches:  dtm,
		GtMatches:  gtm,
		DtScores:   dtScores,
		GtIgnore:   sortedIg,
		DtIgnore:   dtIg,
	}
}

// stableSortByIgnore reorders indices so non-ignored entries come first,
// preserving relative order within each group.
func stableSortByIgnore(ind []int, ignore []bool) {
	out := make([]int, 0, len(ind))
	for _, i := range ind {
		if !ignore[i] {
			out = append(out, i)
		}
	}
	for _, i := range ind {
		if ignore[i] {
			out = append(out, i)
		}
	}
	copy(ind, out)
}

func makeInt64Matrix(rows, cols int) [][]int64 {
	m := make([][]int64, rows)
	for i := range m {
		m[i] = make([]int64, cols)
	}
	return m
}

func makeBoolMatrix(rows, cols int) [][]bool {
	m := make([][]bool, rows)
	for i := range m {
		m[i] = make([]bool, cols)
	}
	return m
}
