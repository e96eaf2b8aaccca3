package fog

import (
	"math"

	"vttsync/internal/apperr"
	"vttsync/internal/tabletop"
)

// ValidateShape rejects degenerate or non-finite geometry.
func ValidateShape(s tabletop.Shape) error {
	switch s.Kind {
	case tabletop.ShapeRect:
		if !tabletop.Finite(s.X, s.Y, s.Width, s.Height) {
			return apperr.Validation("rect coordinates must be finite")
		}
		if s.Width <= 0 || s.Height <= 0 {
			return apperr.Validation("rect needs positive width and height")
		}
	case tabletop.ShapeCircle:
		if !tabletop.Finite(s.X, s.Y, s.Radius) {
			return apperr.Validation("circle coordinates must be finite")
		}
		if s.Radius <= 0 {
			return apperr.Validation("circle needs a positive radius")
		}
	case tabletop.ShapePolygon:
		if len(s.Points) < 3 {
			return apperr.Validation("polygon needs at least 3 points")
		}
		for _, p := range s.Points {
			if !tabletop.Finite(p.X, p.Y) {
				return apperr.Validation("polygon coordinates must be finite")
			}
		}
	default:
		return apperr.Validation("unknown shape kind %q", s.Kind)
	}
	return nil
}

// Contains reports whether p lies inside s. Edges count as inside.
func Contains(s tabletop.Shape, p tabletop.Point) bool {
	switch s.Kind {
	case tabletop.ShapeRect:
		return p.X >= s.X && p.X <= s.X+s.Width && p.Y >= s.Y && p.Y <= s.Y+s.Height
	case tabletop.ShapeCircle:
		return math.Hypot(p.X-s.X, p.Y-s.Y) <= s.Radius
	case tabletop.ShapePolygon:
		return inPolygon(s.Points, p)
	}
	return false
}

// inPolygon is the even-odd ray casting test.
func inPolygon(pts []tabletop.Point, p tabletop.Point) bool {
	inside := false
	for i, j := 0, len(pts)-1; i < len(pts); j, i = i, i+1 {
		a, b := pts[i], pts[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Visible replays the document's shapes over its base and reports whether p
// ends up revealed.
func Visible(doc tabletop.FogDocument, p tabletop.Point) bool {
	visible := doc.Revealed
	for _, s := range doc.Shapes {
		if Contains(s, p) {
			visible = s.Subtract
		}
	}
	return visible
}

// Mask samples visibility at the centre of each grid cell, row major.
func Mask(doc tabletop.FogDocument, cols, rows int, cell float64) [][]bool {
	if cols <= 0 || rows <= 0 || cell <= 0 {
		return nil
	}
	mask := make([][]bool, rows)
	for r := 0; r < rows; r++ {
		mask[r] = make([]bool, cols)
		for c := 0; c < cols; c++ {
			center := tabletop.Point{X: (float64(c) + 0.5) * cell, Y: (float64(r) + 0.5) * cell}
			mask[r][c] = Visible(doc, center)
		}
	}
	return mask
}
