package layers

import (
	"sort"

	"github.com/jfern-1084/detectron2-ResNeST/images"
)

// BatchedNMS runs greedy non-maximum suppression independently per class id:
// a box only suppresses lower-scoring boxes of the same class. The returned
// indices reference the input slices and are ordered by descending score,
// ties broken by input order (highest score kept first).
func BatchedNMS(boxes []images.Rect, scores []float32, classes []int, iouThreshold float32) []int {
	n := len(boxes)
	if n == 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	keep := make([]int, 0, n)
	suppressed := make([]bool, n)
	for oi, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order[oi+1:] {
			if suppressed[j] || classes[i] != classes[j] {
				continue
			}
			if images.CalculateIoU(boxes[i], boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
