package series

import (
	"sort"

	"chart-sync/src/models"
)

// mergeOp is what the view sink must do after a single-point merge.
type mergeOp int

const (
	opRejected mergeOp = iota
	opAppend
	opUpdateLast
)

// -----------------------------------------------------------------------------

// mergePoint applies the upsert rule to a buffer that is strictly ascending by
// time: empty or newer appends, same time replaces the last point, older is
// rejected and leaves the buffer untouched.
func mergePoint(buf []models.Point, p models.Point) ([]models.Point, mergeOp) {
	if len(buf) == 0 {
		return append(buf, p), opAppend
	}

	last := buf[len(buf)-1].Time
	switch {
	case p.Time == last:
		buf[len(buf)-1] = p
		return buf, opUpdateLast
	case p.Time > last:
		return append(buf, p), opAppend
	default:
		return buf, opRejected
	}
}

// -----------------------------------------------------------------------------

// normalize sorts a batch by time and keeps the last write for each time.
func normalize(points []models.Point) []models.Point {
	if len(points) == 0 {
		return nil
	}
	out := make([]models.Point, len(points))
	copy(out, points)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })

	n := 0
	for i := range out {
		if n > 0 && out[n-1].Time == out[i].Time {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}

// -----------------------------------------------------------------------------

// prepend puts the part of older that precedes buf[0] in front of buf. Points
// at or after the earliest loaded time overlap what is already loaded and are
// dropped. It returns the merged buffer and the number of points added.
func prepend(buf, older []models.Point) ([]models.Point, int) {
	older = normalize(older)
	if len(buf) == 0 {
		return older, len(older)
	}

	earliest := buf[0].Time
	cut := sort.Search(len(older), func(i int) bool { return older[i].Time >= earliest })
	if cut == 0 {
		return buf, 0
	}

	merged := make([]models.Point, 0, cut+len(buf))
	merged = append(merged, older[:cut]...)
	merged = append(merged, buf...)
	return merged, cut
}
