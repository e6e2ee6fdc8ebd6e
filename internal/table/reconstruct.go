package table

import (
	"sort"
)

const (
	// DefaultColumns is the column count of the material issue log:
	// Material Code, UOM, Quantity Required, Quantity Issued, Lot No
	DefaultColumns = 5

	// DefaultYTolerance is the maximum y_center step (pixels) between
	// consecutive members of one row
	DefaultYTolerance = 10.0
)

// Row is a reconstructed table row, cells ordered left to right
type Row []string

// Rejected is a closed row group whose cell count did not match
type Rejected struct {
	Cells   []string `json:"cells"`
	YCenter float64  `json:"yCenter"`
}

// Result holds accepted rows and the groups dropped by the column gate,
// both in top-to-bottom order
type Result struct {
	Rows     []Row
	Rejected []Rejected
}

type annotated struct {
	y    float64
	x    float64
	text string
}

// Reconstruct groups detections into rows and keeps those with exactly
// expectedColumns cells.
func Reconstruct(detections []Detection, expectedColumns int, yTolerance float64) []Row {
	return ReconstructDetailed(detections, expectedColumns, yTolerance).Rows
}

// ReconstructDetailed is Reconstruct that also reports rejected groups.
//
// Grouping is chained: a detection joins the open group when its y_center is
// within yTolerance of the last member appended, so a row may drift by up to
// yTolerance per member.
func ReconstructDetailed(detections []Detection, expectedColumns int, yTolerance float64) Result {
	result := Result{
		Rows:     make([]Row, 0),
		Rejected: make([]Rejected, 0),
	}
	if len(detections) == 0 {
		return result
	}

	items := make([]annotated, len(detections))
	for i, d := range detections {
		items[i] = annotated{y: d.YCenter(), x: d.XLeft(), text: d.Text}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].y < items[j].y
	})

	for _, group := range groupRows(items, yTolerance) {
		firstY := group[0].y
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].x < group[j].x
		})

		cells := make([]string, len(group))
		for i, item := range group {
			cells[i] = item.text
		}

		if len(cells) == expectedColumns {
			result.Rows = append(result.Rows, Row(cells))
		} else {
			result.Rejected = append(result.Rejected, Rejected{Cells: cells, YCenter: firstY})
		}
	}

	return result
}

// groupRows sweeps y-sorted items once. Comparison is against the previous
// member, never the group mean or head.
func groupRows(items []annotated, yTolerance float64) [][]annotated {
	groups := make([][]annotated, 0)
	var current []annotated

	for _, item := range items {
		if len(current) == 0 {
			current = []annotated{item}
			continue
		}

		prev := current[len(current)-1].y
		if abs(item.y-prev) <= yTolerance {
			current = append(current, item)
		} else {
			groups = append(groups, current)
			current = []annotated{item}
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	return groups
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
