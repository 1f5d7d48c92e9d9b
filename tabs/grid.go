package tabs

// Point is a position relative to the map's minimum corner.
type Point struct {
	X, Y float64
}

const (
	GridRows = 3
	GridCols = 5
)

// Grid splits an extent x extent map into rows*cols equal cells and
// returns their centres in row-major order.
func Grid(extent float64, rows, cols int) []Point {
	if rows <= 0 || cols <= 0 || extent <= 0 {
		return nil
	}
	w := extent / float64(cols)
	h := extent / float64(rows)
	out := make([]Point, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out = append(out, Point{X: (float64(c) + 0.5) * w, Y: (float64(r) + 0.5) * h})
		}
	}
	return out
}
