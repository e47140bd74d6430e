package groundlayers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"sort"

	"github.com/go-spatial/geom"
)

// iMOD IDF record length identifiers.
const (
	idfSinglePrecision    = 1271
	idfDoublePrecision    = 2295
	idfDoublePrecisionOld = 2296
)

// An IDFGrid is an open iMOD IDF file. IDF files are little-endian Fortran
// records with a header followed by row-major cell values, top row first.
type IDFGrid struct {
	file       io.ReadCloser
	readerAt   io.ReaderAt
	floatSize  int
	ncol       int
	nrow       int
	xmin       float64
	xmax       float64
	ymin       float64
	ymax       float64
	noData     float64
	top        float64
	bottom     float64
	hasTopBot  bool
	transform  geoTransform
	xEdges     []float64 // Non-equidistant column edges, west to east.
	yEdges     []float64 // Non-equidistant row edges, north to south.
	dataOffset int64
}

// NewIDFGrid opens filename in fsys as an IDFGrid.
func NewIDFGrid(fsys fs.FS, filename string) (*IDFGrid, error) {
	file, err := fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	g, err := newIDFGrid(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return g, nil
}

// newIDFGrid returns a new IDFGrid reading from file. The caller keeps
// ownership of file if an error is returned.
func newIDFGrid(file fs.File) (*IDFGrid, error) {
	readerAt, ok := file.(io.ReaderAt)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	g := &IDFGrid{
		file:     file,
		readerAt: readerAt,
	}
	if err := g.readHeader(io.NewSectionReader(readerAt, 0, math.MaxInt64), fileSize(file)); err != nil {
		return nil, err
	}
	return g, nil
}

// An idfHeaderReader reads consecutive header values, remembering the first
// error.
type idfHeaderReader struct {
	r         io.Reader
	floatSize int
	offset    int64
	err       error
}

func (r *idfHeaderReader) read(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = err
	}
	r.offset += int64(n)
	return buf
}

func (r *idfHeaderReader) int() int {
	if r.floatSize == 8 {
		return int(int64(binary.LittleEndian.Uint64(r.read(8))))
	}
	return int(int32(binary.LittleEndian.Uint32(r.read(4))))
}

func (r *idfHeaderReader) float() float64 {
	if r.floatSize == 8 {
		return math.Float64frombits(binary.LittleEndian.Uint64(r.read(8)))
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(r.read(4))))
}

func (r *idfHeaderReader) skip(n int) {
	r.read(n)
}

// readHeader reads g's header from r. size is the size of the file, or -1 if
// it is not known.
func (g *IDFGrid) readHeader(r io.Reader, size int64) error {
	hr := &idfHeaderReader{
		r:         r,
		floatSize: 4,
	}
	switch recordLength := hr.int(); {
	case hr.err != nil:
		return hr.err
	case recordLength == idfSinglePrecision:
	case recordLength == idfDoublePrecision || recordLength == idfDoublePrecisionOld:
		hr.floatSize = 8
		hr.skip(4)
	default:
		return fmt.Errorf("%d: %w", recordLength, ErrUnsupportedFormat)
	}
	g.floatSize = hr.floatSize

	g.ncol = hr.int()
	g.nrow = hr.int()
	g.xmin = hr.float()
	g.xmax = hr.float()
	g.ymin = hr.float()
	g.ymax = hr.float()
	_ = hr.float() // Minimum value.
	_ = hr.float() // Maximum value.
	g.noData = hr.float()
	flags := hr.read(4)
	if g.floatSize == 8 {
		hr.skip(4)
	}
	nonEquidistant, hasTopBot := flags[0] != 0, flags[1] != 0
	if hr.err != nil {
		return hr.err
	}
	if err := checkDims(int64(g.ncol), int64(g.nrow), int64(g.floatSize), size); err != nil {
		return err
	}

	if !nonEquidistant {
		dx := hr.float()
		dy := hr.float()
		g.transform = geoTransform{
			originX:    g.xmin,
			originY:    g.ymax,
			cellWidth:  dx,
			cellHeight: dy,
		}
	}
	if hasTopBot {
		g.hasTopBot = true
		g.top = hr.float()
		g.bottom = hr.float()
	}
	if nonEquidistant {
		g.xEdges = make([]float64, g.ncol+1)
		g.xEdges[0] = g.xmin
		for i := range g.ncol {
			g.xEdges[i+1] = g.xEdges[i] + hr.float()
		}
		g.yEdges = make([]float64, g.nrow+1)
		g.yEdges[0] = g.ymax
		for i := range g.nrow {
			g.yEdges[i+1] = g.yEdges[i] - hr.float()
		}
	}
	if hr.err != nil {
		return hr.err
	}
	if !nonEquidistant && (g.transform.cellWidth <= 0 || g.transform.cellHeight <= 0) {
		return errors.New("invalid cell size")
	}
	g.dataOffset = hr.offset
	return nil
}

// Close closes g's underlying file.
func (g *IDFGrid) Close() error {
	return g.file.Close()
}

// CRS returns the empty string: IDF files do not record their CRS.
func (g *IDFGrid) CRS() string {
	return ""
}

// CellCenter returns the coordinate of the center of the cell at col, row.
// Cells just outside g are assumed to be as large as their neighbors.
func (g *IDFGrid) CellCenter(col, row int) Coord {
	if g.xEdges == nil {
		return g.transform.cellCenter(col, row)
	}
	return Coord{
		X: edgeCenter(g.xEdges, col),
		Y: edgeCenter(g.yEdges, row),
	}
}

// Dims returns the number of columns and rows in g.
func (g *IDFGrid) Dims() (int, int) {
	return g.ncol, g.nrow
}

// Extent returns g's spatial extent.
func (g *IDFGrid) Extent() *geom.Extent {
	return geom.NewExtent([2]float64{g.xmin, g.ymin}, [2]float64{g.xmax, g.ymax})
}

// Index returns the column and row of the cell containing coord.
func (g *IDFGrid) Index(coord Coord) (int, int) {
	if g.xEdges == nil {
		return g.transform.index(coord)
	}
	// Columns hold xEdges[i] <= x < xEdges[i+1] and rows hold
	// yEdges[i+1] < y <= yEdges[i], matching the equidistant floor semantics.
	col := sort.Search(len(g.xEdges), func(i int) bool {
		return g.xEdges[i] > coord.X
	}) - 1
	row := sort.Search(len(g.yEdges), func(i int) bool {
		return g.yEdges[i] < coord.Y
	}) - 1
	return col, row
}

// NoData returns g's no-data value.
func (g *IDFGrid) NoData() []float64 {
	return []float64{g.noData}
}

// TopBottom returns the top and bottom elevation of g, if recorded.
func (g *IDFGrid) TopBottom() (top, bottom float64, ok bool) {
	return g.top, g.bottom, g.hasTopBot
}

// Value returns the raw value of the cell at col, row.
func (g *IDFGrid) Value(col, row int) (float64, error) {
	if col < 0 || g.ncol <= col || row < 0 || g.nrow <= row {
		return 0, fmt.Errorf("cell %d,%d: out of range", col, row)
	}
	buf := make([]byte, g.floatSize)
	offset := g.dataOffset + int64(g.floatSize)*(int64(row)*int64(g.ncol)+int64(col))
	if n, err := g.readerAt.ReadAt(buf, offset); n != len(buf) {
		if err == nil {
			err = errShortRead
		}
		return 0, err
	}
	if g.floatSize == 8 {
		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))), nil
}

// edgeCenter returns the midpoint between edges[i] and edges[i+1],
// extrapolating one cell beyond either end.
func edgeCenter(edges []float64, i int) float64 {
	n := len(edges) - 1
	switch {
	case i < 0:
		return edges[0] - (edges[1]-edges[0])*(float64(-i)-0.5)
	case i >= n:
		return edges[n] + (edges[n]-edges[n-1])*(float64(i-n)+0.5)
	default:
		return (edges[i] + edges[i+1]) / 2
	}
}
