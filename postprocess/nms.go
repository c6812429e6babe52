package postprocess

import (
	"sort"

	iface "TileDetServer/interface"
)

// IoU of two boxes in the same coordinate space. Boxes with no union area score 0.
func IoU(a, b iface.Result) float32 {
	x1 := max(a.Left, b.Left)
	y1 := max(a.Top, b.Top)
	x2 := min(a.Left+a.Width, b.Left+b.Width)
	y2 := min(a.Top+a.Height, b.Top+b.Height)

	inter := max(0, x2-x1) * max(0, y2-y1)
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union == 0 {
		return 0
	}
	return inter / union
}

// NMS keeps the most confident box of every group overlapping by more than iouThreshold,
// regardless of class. The result is ordered by confidence, equal confidences keep their
// input order. records is left untouched.
func NMS(records []iface.Result, iouThreshold float32) []iface.Result {
	if len(records) == 0 {
		return []iface.Result{}
	}
	sorted := make([]iface.Result, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	removed := make([]bool, len(sorted))
	keep := make([]iface.Result, 0, len(sorted))
	for i := range sorted {
		if removed[i] {
			continue
		}
		keep = append(keep, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !removed[j] && IoU(sorted[i], sorted[j]) > iouThreshold {
				removed[j] = true
			}
		}
	}
	return keep
}

// Merge concatenates per tile results and runs the cross tile NMS.
func Merge(perTile [][]iface.Result, iouThreshold float32) []iface.Result {
	var all []iface.Result
	for _, rs := range perTile {
		all = append(all, rs...)
	}
	return NMS(all, iouThreshold)
}
