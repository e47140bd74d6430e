package groundlayers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/twpayne/go-proj/v10"
)

// Backend names, used as metric labels.
const (
	backendGeoTIFF = "geotiff"
	backendASCII   = "ascii"
	backendIDF     = "idf"
)

// An Interpolation is a method of deriving a value at a coordinate from the
// surrounding cells.
type Interpolation int

// Interpolations.
const (
	InterpolationNearest Interpolation = iota
	InterpolationBilinear
)

// A Sampler samples values from grid files at coordinates. A Sampler holds no
// open files between calls.
type Sampler struct {
	fsys               fs.FS
	idf                bool
	interpolation      Interpolation
	sourceCRS          string
	gridCRS            string
	geoTIFFGridOptions []GeoTIFFGridOption
}

// A SamplerOption sets an option on a Sampler.
type SamplerOption func(*Sampler)

// NewSampler returns a new Sampler with the given options. By default, grid
// filenames are operating system paths and the IDF backend is enabled.
func NewSampler(options ...SamplerOption) *Sampler {
	s := &Sampler{
		fsys: osFS{},
		idf:  true,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// WithFS sets the filesystem that grid files are opened from.
func WithFS(fsys fs.FS) SamplerOption {
	return func(s *Sampler) {
		s.fsys = fsys
	}
}

// WithIDF sets whether the iMOD IDF backend is available. When it is not,
// sampling a .idf file fails with ErrUnsupportedFormat.
func WithIDF(idf bool) SamplerOption {
	return func(s *Sampler) {
		s.idf = idf
	}
}

// WithInterpolation sets the interpolation method.
func WithInterpolation(interpolation Interpolation) SamplerOption {
	return func(s *Sampler) {
		s.interpolation = interpolation
	}
}

// WithSourceCRS sets the CRS of the coordinates passed to Sample. Coordinates
// are transformed to the grid's CRS before sampling.
func WithSourceCRS(crs string) SamplerOption {
	return func(s *Sampler) {
		s.sourceCRS = crs
	}
}

// WithGridCRS sets the CRS of grids, overriding any CRS recorded in the grid
// files themselves.
func WithGridCRS(crs string) SamplerOption {
	return func(s *Sampler) {
		s.gridCRS = crs
	}
}

// WithGeoTIFFGridOptions sets the options used when opening GeoTIFF grids.
func WithGeoTIFFGridOptions(geoTIFFGridOptions ...GeoTIFFGridOption) SamplerOption {
	return func(s *Sampler) {
		s.geoTIFFGridOptions = geoTIFFGridOptions
	}
}

// OpenGrid opens filename with the backend selected for it. The caller must
// close the returned Grid.
func (s *Sampler) OpenGrid(filename string) (Grid, error) {
	grid, _, err := s.openGrid(filename)
	return grid, err
}

// Sample returns a single-pass sequence of values of the grid in filename, one
// for each of coords, in order. Coordinates outside the grid and cells
// containing no-data yield NaN. The grid is opened when iteration starts and
// closed when it stops, whether or not the sequence is exhausted. If an error
// occurs it is yielded once and iteration stops.
func (s *Sampler) Sample(ctx context.Context, filename string, coords []Coord) iter.Seq2[float64, error] {
	return func(yield func(float64, error) bool) {
		logger.Debug("reading grid file", "file", filepath.Base(filename))
		grid, backend, err := s.openGrid(filename)
		if err != nil {
			yield(math.NaN(), err)
			return
		}
		defer func() {
			_ = grid.Close()
		}()
		gridFilesOpened.WithLabelValues(backend).Inc()

		gridCoords, err := s.gridCoords(grid, coords)
		if err != nil {
			yield(math.NaN(), fmt.Errorf("%s: %w", filename, err))
			return
		}

		for _, coord := range gridCoords {
			if err := ctx.Err(); err != nil {
				yield(math.NaN(), err)
				return
			}
			var value float64
			switch s.interpolation {
			case InterpolationBilinear:
				value, err = s.sampleBilinear(grid, backend, coord)
			default:
				value, err = s.sampleNearest(grid, backend, coord)
			}
			if err != nil {
				yield(math.NaN(), fmt.Errorf("%s: %w", filename, err))
				return
			}
			samplesTotal.WithLabelValues(backend).Inc()
			if !yield(value, nil) {
				return
			}
		}
	}
}

// Samples returns the values of the grid in filename at coords.
func (s *Sampler) Samples(ctx context.Context, filename string, coords []Coord) ([]float64, error) {
	samples := make([]float64, 0, len(coords))
	for sample, err := range s.Sample(ctx, filename, coords) {
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// openGrid opens filename and returns it with the name of its backend.
func (s *Sampler) openGrid(filename string) (Grid, string, error) {
	if strings.HasSuffix(strings.ToLower(filename), ".idf") {
		if !s.idf {
			return nil, "", fmt.Errorf("%s: IDF backend disabled: %w", filename, ErrUnsupportedFormat)
		}
		idfGrid, err := NewIDFGrid(s.fsys, filename)
		if err != nil {
			return nil, "", err
		}
		return idfGrid, backendIDF, nil
	}
	return s.openRaster(filename)
}

// openRaster opens filename with the general-purpose backend that matches its
// content.
func (s *Sampler) openRaster(filename string) (Grid, string, error) {
	file, err := s.fsys.Open(filename)
	if err != nil {
		return nil, "", err
	}
	ok := false
	defer func() {
		if !ok {
			_ = file.Close()
		}
	}()

	readerAt, isReaderAt := file.(io.ReaderAt)
	if !isReaderAt {
		return nil, "", fmt.Errorf("%s: %w", filename, errors.ErrUnsupported)
	}
	magic := make([]byte, 16)
	n, err := readerAt.ReadAt(magic, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, "", fmt.Errorf("%s: %w", filename, err)
	}
	magic = magic[:n]

	var grid Grid
	var backend string
	switch {
	case isTIFF(magic):
		grid, err = newGeoTIFFGrid(file, s.geoTIFFGridOptions...)
		backend = backendGeoTIFF
	case isASCIIGrid(magic):
		grid, err = newASCIIGrid(file)
		backend = backendASCII
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", filename, err)
	}
	ok = true
	return grid, backend, nil
}

// gridCoords returns coords in grid's CRS.
func (s *Sampler) gridCoords(grid Grid, coords []Coord) ([]Coord, error) {
	if s.sourceCRS == "" {
		return coords, nil
	}
	gridCRS := s.gridCRS
	if gridCRS == "" {
		gridCRS = grid.CRS()
	}
	if gridCRS == "" {
		return nil, ErrUnknownCRS
	}

	pj, err := proj.NewCRSToCRS(s.sourceCRS, gridCRS, nil)
	if err != nil {
		return nil, err
	}
	defer pj.Destroy()

	float64Slices := make([][]float64, len(coords))
	for i, coord := range coords {
		float64Slices[i] = []float64{coord.X, coord.Y}
	}
	if err := pj.ForwardFloat64Slices(float64Slices); err != nil {
		return nil, err
	}
	gridCoords := make([]Coord, len(coords))
	for i, float64Slice := range float64Slices {
		gridCoords[i] = Coord{X: float64Slice[0], Y: float64Slice[1]}
	}
	return gridCoords, nil
}

// sampleNearest returns the value of the cell containing coord.
func (s *Sampler) sampleNearest(grid Grid, backend string, coord Coord) (float64, error) {
	col, row := grid.Index(coord)
	if !inBounds(grid, col, row) {
		outOfExtentSamples.WithLabelValues(backend).Inc()
		return math.NaN(), nil
	}
	return sampleCell(grid, backend, col, row)
}

// sampleBilinear returns the value at coord interpolated between the centers
// of the four surrounding cells. If any cell that contributes is outside grid
// or contains no-data then the result is NaN.
func (s *Sampler) sampleBilinear(grid Grid, backend string, coord Coord) (float64, error) {
	col, row := grid.Index(coord)
	if !inBounds(grid, col, row) {
		outOfExtentSamples.WithLabelValues(backend).Inc()
		return math.NaN(), nil
	}

	center := grid.CellCenter(col, row)
	col0, row0 := col, row
	if coord.X < center.X {
		col0--
	}
	if coord.Y > center.Y {
		row0--
	}
	center00 := grid.CellCenter(col0, row0)
	center11 := grid.CellCenter(col0+1, row0+1)
	dx := (coord.X - center00.X) / (center11.X - center00.X)
	dy := (center00.Y - coord.Y) / (center00.Y - center11.Y)

	weights := [4]float64{
		(1 - dx) * (1 - dy),
		dx * (1 - dy),
		(1 - dx) * dy,
		dx * dy,
	}
	value := 0.0
	for i, c := range [4]TileCoord{
		{C: col0, R: row0},
		{C: col0 + 1, R: row0},
		{C: col0, R: row0 + 1},
		{C: col0 + 1, R: row0 + 1},
	} {
		// Cells with no weight may lie outside grid.
		if weights[i] == 0 {
			continue
		}
		if !inBounds(grid, c.C, c.R) {
			return math.NaN(), nil
		}
		sample, err := sampleCell(grid, backend, c.C, c.R)
		if err != nil {
			return 0, err
		}
		value += weights[i] * sample
	}
	return value, nil
}

// sampleCell returns the value of the cell at col, row, or NaN if it contains
// no-data.
func sampleCell(grid Grid, backend string, col, row int) (float64, error) {
	value, err := grid.Value(col, row)
	if err != nil {
		return 0, err
	}
	if isNoData(value, grid.NoData()) {
		noDataSamples.WithLabelValues(backend).Inc()
		return math.NaN(), nil
	}
	return value, nil
}

// isNoData returns whether value is one of noData. A NaN value is no-data if
// any of noData is NaN.
func isNoData(value float64, noData []float64) bool {
	if slices.Contains(noData, value) {
		return true
	}
	return math.IsNaN(value) && slices.ContainsFunc(noData, math.IsNaN)
}

func isTIFF(magic []byte) bool {
	return bytes.HasPrefix(magic, []byte("II*\x00")) ||
		bytes.HasPrefix(magic, []byte("MM\x00*")) ||
		bytes.HasPrefix(magic, []byte("II+\x00")) ||
		bytes.HasPrefix(magic, []byte("MM\x00+"))
}

func isASCIIGrid(magic []byte) bool {
	header := strings.ToLower(strings.TrimLeft(string(magic), " \t\r\n"))
	return strings.HasPrefix(header, "ncols") || strings.HasPrefix(header, "nrows")
}
