package groundlayers

import (
	"context"
	"fmt"
	"math"
)

// A Layer is a geological layer bounded by top and base elevation grids.
type Layer struct {
	Name       string
	TopFile    string
	BaseFile   string
	Resolution float64
	StyleKey   string
}

func (l Layer) String() string {
	return fmt.Sprintf("Layer(name=%s)", l.Name)
}

// Profile returns the top and base elevations of l at coords. Elevations
// outside the grids or without data are NaN.
func (l Layer) Profile(ctx context.Context, sampler *Sampler, coords []Coord) (top, base []float64, err error) {
	top, err = sampler.Samples(ctx, l.TopFile, coords)
	if err != nil {
		return nil, nil, err
	}
	base, err = sampler.Samples(ctx, l.BaseFile, coords)
	if err != nil {
		return nil, nil, err
	}
	return top, base, nil
}

// LineCoords returns coordinates along the segment from from to to, spaced at
// most resolution apart, including both ends.
func LineCoords(from, to Coord, resolution float64) []Coord {
	length := math.Hypot(to.X-from.X, to.Y-from.Y)
	switch {
	case length == 0:
		return []Coord{from}
	case !(resolution > 0):
		return []Coord{from, to}
	}
	n := max(int(math.Ceil(length/resolution)), 1)
	coords := make([]Coord, n+1)
	for i := range n + 1 {
		t := float64(i) / float64(n)
		coords[i] = Coord{
			X: from.X + t*(to.X-from.X),
			Y: from.Y + t*(to.Y-from.Y),
		}
	}
	return coords
}
