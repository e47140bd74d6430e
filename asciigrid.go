package groundlayers

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
)

// An ASCIIGrid is an Esri ASCII grid. The whole grid is read into memory when
// it is opened.
type ASCIIGrid struct {
	file      io.Closer
	ncols     int
	nrows     int
	transform geoTransform
	noData    []float64
	values    []float64
}

// NewASCIIGrid opens filename in fsys as an ASCIIGrid.
func NewASCIIGrid(fsys fs.FS, filename string) (*ASCIIGrid, error) {
	file, err := fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	g, err := newASCIIGrid(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return g, nil
}

// newASCIIGrid returns a new ASCIIGrid reading from file. The caller keeps
// ownership of file if an error is returned.
func newASCIIGrid(file fs.File) (*ASCIIGrid, error) {
	g := &ASCIIGrid{
		file: file,
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	scanner.Split(bufio.ScanWords)

	header := make(map[string]float64)
	var firstValue string
	for scanner.Scan() {
		key := strings.ToLower(scanner.Text())
		if _, err := strconv.ParseFloat(key, 64); err == nil {
			firstValue = scanner.Text()
			break
		}
		if !scanner.Scan() {
			break
		}
		value, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		header[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	ncols, ok1 := header["ncols"]
	nrows, ok2 := header["nrows"]
	cellSize, ok3 := header["cellsize"]
	if !ok1 || !ok2 || !ok3 || ncols <= 0 || nrows <= 0 || cellSize <= 0 {
		return nil, ErrUnsupportedFormat
	}
	if ncols*nrows > maxGridCells {
		return nil, fmt.Errorf("%gx%g: %w", ncols, nrows, errInvalidDimensions)
	}
	g.ncols = int(ncols)
	g.nrows = int(nrows)
	// Every value takes at least one byte.
	if err := checkDims(int64(g.ncols), int64(g.nrows), 1, fileSize(file)); err != nil {
		return nil, err
	}

	var xll, yll float64
	switch xllCorner, ok := header["xllcorner"]; {
	case ok:
		xll = xllCorner
	default:
		xllCenter, ok := header["xllcenter"]
		if !ok {
			return nil, ErrUnsupportedFormat
		}
		xll = xllCenter - cellSize/2
	}
	switch yllCorner, ok := header["yllcorner"]; {
	case ok:
		yll = yllCorner
	default:
		yllCenter, ok := header["yllcenter"]
		if !ok {
			return nil, ErrUnsupportedFormat
		}
		yll = yllCenter - cellSize/2
	}
	g.transform = geoTransform{
		originX:    xll,
		originY:    yll + float64(g.nrows)*cellSize,
		cellWidth:  cellSize,
		cellHeight: cellSize,
	}
	if noData, ok := header["nodata_value"]; ok {
		g.noData = []float64{noData}
	}

	g.values = make([]float64, 0, g.ncols*g.nrows)
	if firstValue != "" {
		value, err := strconv.ParseFloat(firstValue, 64)
		if err != nil {
			return nil, err
		}
		g.values = append(g.values, value)
	}
	for len(g.values) < g.ncols*g.nrows && scanner.Scan() {
		value, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", len(g.values), err)
		}
		g.values = append(g.values, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(g.values) != g.ncols*g.nrows {
		return nil, fmt.Errorf("found %d values, expected %d", len(g.values), g.ncols*g.nrows)
	}

	return g, nil
}

// Close closes g's underlying file.
func (g *ASCIIGrid) Close() error {
	return g.file.Close()
}

// CRS returns the empty string: Esri ASCII grids do not record their CRS.
func (g *ASCIIGrid) CRS() string {
	return ""
}

// CellCenter returns the coordinate of the center of the cell at col, row.
func (g *ASCIIGrid) CellCenter(col, row int) Coord {
	return g.transform.cellCenter(col, row)
}

// Dims returns the number of columns and rows in g.
func (g *ASCIIGrid) Dims() (int, int) {
	return g.ncols, g.nrows
}

// Extent returns g's spatial extent.
func (g *ASCIIGrid) Extent() *geom.Extent {
	return g.transform.extent(g.ncols, g.nrows)
}

// Index returns the column and row of the cell containing coord.
func (g *ASCIIGrid) Index(coord Coord) (int, int) {
	return g.transform.index(coord)
}

// NoData returns g's no-data values.
func (g *ASCIIGrid) NoData() []float64 {
	return g.noData
}

// Value returns the raw value of the cell at col, row.
func (g *ASCIIGrid) Value(col, row int) (float64, error) {
	if col < 0 || g.ncols <= col || row < 0 || g.nrows <= row {
		return 0, fmt.Errorf("cell %d,%d: out of range", col, row)
	}
	return g.values[row*g.ncols+col], nil
}
