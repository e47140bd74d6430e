package groundlayers

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/go-spatial/geom"
)

var (
	// ErrUnsupportedFormat is returned when no enabled backend can read a
	// grid file.
	ErrUnsupportedFormat = errors.New("unsupported grid format")

	// ErrUnknownCRS is returned when coordinates must be transformed but the
	// grid's coordinate reference system is unknown.
	ErrUnknownCRS = errors.New("unknown grid CRS")

	errInvalidDimensions = errors.New("invalid dimensions")
	errShortRead         = errors.New("short read")
)

// Limits on sizes read from file headers.
const (
	maxGridCells  = 1 << 32
	maxBlockBytes = 1 << 30
)

// A Coord is a coordinate.
type Coord struct {
	X float64
	Y float64
}

// A TileCoord is a tile coordinate.
type TileCoord struct {
	C int // Column.
	R int // Row.
}

// A Grid is an open grid file. Values are raw: no-data normalization is done
// by the Sampler.
type Grid interface {
	Dims() (cols, rows int)
	Index(coord Coord) (col, row int)
	CellCenter(col, row int) Coord
	Value(col, row int) (float64, error)
	NoData() []float64
	Extent() *geom.Extent
	CRS() string
	Close() error
}

// geoTransform maps coordinates to cell indexes of a north-up grid whose
// top left corner is at (originX, originY).
type geoTransform struct {
	originX    float64
	originY    float64
	cellWidth  float64
	cellHeight float64
}

// index returns the column and row containing coord.
func (t geoTransform) index(coord Coord) (int, int) {
	col := math.Floor((coord.X - t.originX) / t.cellWidth)
	row := math.Floor((t.originY - coord.Y) / t.cellHeight)
	return clampIndex(col), clampIndex(row)
}

// cellCenter returns the coordinate of the center of the cell at col, row.
func (t geoTransform) cellCenter(col, row int) Coord {
	return Coord{
		X: t.originX + (float64(col)+0.5)*t.cellWidth,
		Y: t.originY - (float64(row)+0.5)*t.cellHeight,
	}
}

func (t geoTransform) extent(cols, rows int) *geom.Extent {
	return geom.NewExtent(
		[2]float64{t.originX, t.originY - float64(rows)*t.cellHeight},
		[2]float64{t.originX + float64(cols)*t.cellWidth, t.originY},
	)
}

// clampIndex converts f to an int, mapping NaNs and values beyond the int32
// range to -1 so that they always fall outside a grid.
func clampIndex(f float64) int {
	if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return -1
	}
	return int(f)
}

// inBounds returns whether col, row is a valid index into grid.
func inBounds(grid Grid, col, row int) bool {
	cols, rows := grid.Dims()
	return 0 <= col && col < cols && 0 <= row && row < rows
}

// checkDims returns an error if a cols by rows grid is empty or has more than
// maxGridCells cells, or if its values cannot fit in size bytes at
// bytesPerCell bytes per cell. A negative size is not checked.
func checkDims(cols, rows, bytesPerCell, size int64) error {
	if cols <= 0 || rows <= 0 || cols > maxGridCells/rows {
		return fmt.Errorf("%dx%d: %w", cols, rows, errInvalidDimensions)
	}
	if size >= 0 && cols*rows > size/bytesPerCell {
		return fmt.Errorf("%dx%d: %w: file has only %d bytes", cols, rows, errInvalidDimensions, size)
	}
	return nil
}

// fileSize returns the size of file, or -1 if it is not a regular file.
func fileSize(file fs.File) int64 {
	fileInfo, err := file.Stat()
	if err != nil || !fileInfo.Mode().IsRegular() {
		return -1
	}
	return fileInfo.Size()
}

// osFS is an fs.FS that opens operating system paths unchanged.
type osFS struct{}

func (osFS) Open(name string) (fs.File, error) {
	return os.Open(name)
}

var (
	_ Grid = (*ASCIIGrid)(nil)
	_ Grid = (*GeoTIFFGrid)(nil)
	_ Grid = (*IDFGrid)(nil)
)
