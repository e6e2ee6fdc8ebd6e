/**
 * Detection types for table reconstruction
 *
 * A Detection is one recognized text fragment with its bounding quadrilateral,
 * as produced by any OCR engine. Coordinates are image pixels.
 */

package table

// Point is a 2D image coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one OCR text fragment.
// Box corners are ordered top-left, top-right, bottom-right, bottom-left.
type Detection struct {
	Box        [4]Point `json:"box"`
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
}

// YCenter averages the y of the two diagonal corners (0 and 2)
func (d Detection) YCenter() float64 {
	return (d.Box[0].Y + d.Box[2].Y) / 2
}

// XLeft is the x of the first corner
func (d Detection) XLeft() float64 {
	return d.Box[0].X
}

// RectDetection builds an axis-aligned detection from a rectangle
func RectDetection(x0, y0, x1, y1 float64, text string, confidence float64) Detection {
	return Detection{
		Box: [4]Point{
			{X: x0, Y: y0},
			{X: x1, Y: y0},
			{X: x1, Y: y1},
			{X: x0, Y: y1},
		},
		Text:       text,
		Confidence: confidence,
	}
}

// Unscale divides every coordinate by factor, mapping a detection made on a
// downscaled image back to source pixels. Factors <= 0 or 1 are a no-op.
func Unscale(detections []Detection, factor float64) []Detection {
	if factor <= 0 || factor == 1 {
		return detections
	}
	out := make([]Detection, len(detections))
	for i, d := range detections {
		for j := range d.Box {
			d.Box[j].X /= factor
			d.Box[j].Y /= factor
		}
		out[i] = d
	}
	return out
}
