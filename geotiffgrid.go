package groundlayers

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// TIFF tag values.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	planarChunky           = 1
	planarSeparate         = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatIEEEFloat  = 3
	rasterPixelIsPoint     = 2
	userDefinedGeoKeyValue = 32767
)

// A readAtSeekFile is an fs.File that can be parsed by github.com/google/tiff.
type readAtSeekFile interface {
	fs.File
	io.ReaderAt
	io.Seeker
}

// A GeoTIFFGrid is an open GeoTIFF file. Only the first band is read.
type GeoTIFFGrid struct {
	file            readAtSeekFile
	fileSize        int64
	byteOrder       binary.ByteOrder
	imageWidth      int
	imageLength     int
	blockWidth      int
	blockLength     int
	blocksAcross    int
	blocksDown      int
	striped         bool
	blockOffsets    []uint64
	blockByteCounts []uint64
	bitsPerSample   int
	samplesPerPixel int
	sampleFormat    int
	compression     int
	predictor       int
	cacheSizeBytes  int
	blockCache      *lru.Cache[TileCoord, []float64]
	transform       geoTransform
	noData          []float64
	crs             string
}

// A GeoTIFFGridOption sets an option on a GeoTIFFGrid.
type GeoTIFFGridOption func(*GeoTIFFGrid)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth             uint32    `tiff:"field,tag=256"`
	ImageLength            uint32    `tiff:"field,tag=257"`
	BitsPerSample          []uint16  `tiff:"field,tag=258"`
	Compression            uint16    `tiff:"field,tag=259"`
	StripOffsets           []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel        uint16    `tiff:"field,tag=277"`
	RowsPerStrip           uint32    `tiff:"field,tag=278"`
	StripByteCounts        []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration    uint16    `tiff:"field,tag=284"`
	Predictor              uint16    `tiff:"field,tag=317"`
	TileWidth              uint32    `tiff:"field,tag=322"`
	TileLength             uint32    `tiff:"field,tag=323"`
	TileOffsets            []uint64  `tiff:"field,tag=324"`
	TileByteCounts         []uint64  `tiff:"field,tag=325"`
	SampleFormat           []uint16  `tiff:"field,tag=339"`
	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag     []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag      string    `tiff:"field,tag=34737"`
	GDALNoData             string    `tiff:"field,tag=42113"`
}

// NewGeoTIFFGrid opens filename in fsys as a GeoTIFFGrid.
func NewGeoTIFFGrid(fsys fs.FS, filename string, options ...GeoTIFFGridOption) (*GeoTIFFGrid, error) {
	file, err := fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	g, err := newGeoTIFFGrid(file, options...)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return g, nil
}

// newGeoTIFFGrid returns a new GeoTIFFGrid reading from file. The caller
// keeps ownership of file if an error is returned.
func newGeoTIFFGrid(file fs.File, options ...GeoTIFFGridOption) (*GeoTIFFGrid, error) {
	g := &GeoTIFFGrid{
		cacheSizeBytes: 128 << 20, // 128MB.
	}
	for _, option := range options {
		option(g)
	}

	f, ok := file.(readAtSeekFile)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	g.file = f
	g.fileSize = fileSize(file)

	var header [2]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return nil, err
	}
	switch string(header[:]) {
	case "II":
		g.byteOrder = binary.LittleEndian
	case "MM":
		g.byteOrder = binary.BigEndian
	default:
		return nil, ErrUnsupportedFormat
	}

	tiffTIFF, err := tiff.Parse(f, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}
	if len(tiffTIFF.IFDs()) == 0 {
		return nil, errors.New("no IFDs")
	}

	// Overviews and masks follow the full resolution image.
	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if err := g.setLayout(&ifd); err != nil {
		return nil, err
	}
	if err := g.setGeoreferencing(&ifd); err != nil {
		return nil, err
	}
	if err := g.setNoData(ifd.GDALNoData); err != nil {
		return nil, err
	}

	blockSampleCount := g.blockWidth * g.blockLength
	blockCacheCount := max(g.cacheSizeBytes/(8*blockSampleCount), 1)
	g.blockCache, err = lru.NewWithEvict(blockCacheCount, func(TileCoord, []float64) {
		geoTIFFBlockCacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}

	return g, nil
}

// WithBlockCacheSize sets the maximum size in bytes of decoded blocks kept
// while the grid is open.
func WithBlockCacheSize(blockCacheSize int) GeoTIFFGridOption {
	return func(g *GeoTIFFGrid) {
		g.cacheSizeBytes = blockCacheSize
	}
}

// setLayout sets g's image and block geometry and sample encoding from ifd.
func (g *GeoTIFFGrid) setLayout(ifd *geoTIFFIFD) error {
	g.imageWidth = int(ifd.ImageWidth)
	g.imageLength = int(ifd.ImageLength)
	if g.imageWidth == 0 || g.imageLength == 0 {
		return errors.New("empty image")
	}

	g.samplesPerPixel = max(int(ifd.SamplesPerPixel), 1)
	if len(ifd.BitsPerSample) == 0 {
		return errors.New("missing bits per sample")
	}
	g.bitsPerSample = int(ifd.BitsPerSample[0])
	g.sampleFormat = sampleFormatUint
	if len(ifd.SampleFormat) > 0 {
		g.sampleFormat = int(ifd.SampleFormat[0])
	}
	switch {
	case g.sampleFormat == sampleFormatUint && slices.Contains([]int{8, 16, 32, 64}, g.bitsPerSample):
	case g.sampleFormat == sampleFormatInt && slices.Contains([]int{8, 16, 32, 64}, g.bitsPerSample):
	case g.sampleFormat == sampleFormatIEEEFloat && slices.Contains([]int{32, 64}, g.bitsPerSample):
	default:
		return errors.ErrUnsupported
	}
	for _, bitsPerSample := range ifd.BitsPerSample[1:] {
		if int(bitsPerSample) != g.bitsPerSample {
			return errors.ErrUnsupported
		}
	}

	g.compression = int(ifd.Compression)
	switch g.compression {
	case 0:
		g.compression = compressionNone
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return errors.ErrUnsupported
	}

	g.predictor = int(ifd.Predictor)
	switch g.predictor {
	case 0:
		g.predictor = predictorNone
	case predictorNone:
	case predictorHorizontal:
		if g.sampleFormat == sampleFormatIEEEFloat {
			return errors.ErrUnsupported
		}
	default:
		return errors.ErrUnsupported
	}

	switch ifd.PlanarConfiguration {
	case 0, planarChunky:
	case planarSeparate:
		// Each block holds a single band, and the first band's blocks come
		// first.
		g.samplesPerPixel = 1
	default:
		return errors.ErrUnsupported
	}

	if ifd.TileWidth != 0 && ifd.TileLength != 0 {
		g.blockWidth = int(ifd.TileWidth)
		g.blockLength = int(ifd.TileLength)
		g.blockOffsets = ifd.TileOffsets
		g.blockByteCounts = ifd.TileByteCounts
	} else {
		g.striped = true
		g.blockWidth = g.imageWidth
		g.blockLength = g.imageLength
		if rowsPerStrip := int(ifd.RowsPerStrip); 0 < rowsPerStrip && rowsPerStrip < g.imageLength {
			g.blockLength = rowsPerStrip
		}
		g.blockOffsets = ifd.StripOffsets
		g.blockByteCounts = ifd.StripByteCounts
	}
	if err := checkDims(int64(g.blockWidth), int64(g.blockLength), 1, -1); err != nil {
		return fmt.Errorf("block: %w", err)
	}
	if blockBytes := int64(g.blockWidth) * int64(g.blockLength) * int64(g.samplesPerPixel*g.bitsPerSample/8); blockBytes > maxBlockBytes {
		return fmt.Errorf("block: %dx%d: %w", g.blockWidth, g.blockLength, errInvalidDimensions)
	}
	g.blocksAcross = (g.imageWidth + g.blockWidth - 1) / g.blockWidth
	g.blocksDown = (g.imageLength + g.blockLength - 1) / g.blockLength
	if err := checkDims(int64(g.blocksAcross), int64(g.blocksDown), 1, -1); err != nil {
		return fmt.Errorf("blocks: %w", err)
	}
	blocksPerImage := g.blocksAcross * g.blocksDown
	if len(g.blockOffsets) < blocksPerImage || len(g.blockByteCounts) < blocksPerImage {
		return errors.New("incorrect number of block byte counts or offsets")
	}
	g.blockOffsets = g.blockOffsets[:blocksPerImage]
	g.blockByteCounts = g.blockByteCounts[:blocksPerImage]

	return nil
}

// setGeoreferencing sets g's geotransform and CRS from ifd.
func (g *GeoTIFFGrid) setGeoreferencing(ifd *geoTIFFIFD) error {
	switch {
	case len(ifd.ModelPixelScaleTag) >= 2 && len(ifd.ModelTiepointTag) >= 6:
		scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
		i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
		x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
		g.transform = geoTransform{
			originX:    x - i*scaleX,
			originY:    y + j*scaleY,
			cellWidth:  scaleX,
			cellHeight: scaleY,
		}
	case len(ifd.ModelTransformationTag) == 16:
		m := ifd.ModelTransformationTag
		if m[1] != 0 || m[4] != 0 {
			return errors.ErrUnsupported // Rotated grids.
		}
		g.transform = geoTransform{
			originX:    m[3],
			originY:    m[7],
			cellWidth:  m[0],
			cellHeight: -m[5],
		}
	default:
		return errors.ErrUnsupported
	}
	if g.transform.cellWidth <= 0 || g.transform.cellHeight <= 0 {
		return errors.ErrUnsupported
	}

	if len(ifd.GeoKeyDirectoryTag) == 0 {
		return nil
	}
	geoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
	if err != nil {
		return err
	}
	if geoKeys.Params[GeoKeyGTRasterType] == rasterPixelIsPoint {
		g.transform.originX -= g.transform.cellWidth / 2
		g.transform.originY += g.transform.cellHeight / 2
	}
	g.crs = geoKeys.CRS()
	return nil
}

// setNoData parses the GDAL_NODATA tag value.
func (g *GeoTIFFGrid) setNoData(gdalNoData string) error {
	gdalNoData = strings.TrimSpace(strings.TrimRight(gdalNoData, "\x00"))
	if gdalNoData == "" {
		return nil
	}
	noData, err := strconv.ParseFloat(gdalNoData, 64)
	if err != nil {
		return fmt.Errorf("GDAL_NODATA: %w", err)
	}
	// Compare against no-data at the precision the samples are stored with.
	if g.sampleFormat == sampleFormatIEEEFloat && g.bitsPerSample == 32 {
		noData = float64(float32(noData))
	}
	g.noData = []float64{noData}
	return nil
}

// Close closes g's underlying file.
func (g *GeoTIFFGrid) Close() error {
	return g.file.Close()
}

// CRS returns g's CRS, for example "EPSG:28992", or the empty string if it is
// not known.
func (g *GeoTIFFGrid) CRS() string {
	return g.crs
}

// CellCenter returns the coordinate of the center of the cell at col, row.
func (g *GeoTIFFGrid) CellCenter(col, row int) Coord {
	return g.transform.cellCenter(col, row)
}

// Dims returns the number of columns and rows in g.
func (g *GeoTIFFGrid) Dims() (int, int) {
	return g.imageWidth, g.imageLength
}

// Extent returns g's spatial extent.
func (g *GeoTIFFGrid) Extent() *geom.Extent {
	return g.transform.extent(g.imageWidth, g.imageLength)
}

// Index returns the column and row of the cell containing coord.
func (g *GeoTIFFGrid) Index(coord Coord) (int, int) {
	return g.transform.index(coord)
}

// NoData returns g's no-data values.
func (g *GeoTIFFGrid) NoData() []float64 {
	return g.noData
}

// Value returns the raw value of the cell at col, row.
func (g *GeoTIFFGrid) Value(col, row int) (float64, error) {
	if col < 0 || g.imageWidth <= col || row < 0 || g.imageLength <= row {
		return 0, fmt.Errorf("cell %d,%d: out of range", col, row)
	}
	blockCoord := TileCoord{
		C: col / g.blockWidth,
		R: row / g.blockLength,
	}
	blockSamples, err := g.getBlockSamplesCached(blockCoord)
	if err != nil {
		return 0, err
	}
	return blockSamples[col%g.blockWidth+(row%g.blockLength)*g.blockWidth], nil
}

// getBlockSamplesCached returns the decoded block at blockCoord using g's
// cache.
func (g *GeoTIFFGrid) getBlockSamplesCached(blockCoord TileCoord) ([]float64, error) {
	if blockSamples, ok := g.blockCache.Get(blockCoord); ok {
		geoTIFFBlockCacheHits.Inc()
		return blockSamples, nil
	}
	geoTIFFBlockCacheMisses.Inc()
	blockSamples, err := g.getBlockSamples(blockCoord)
	if err != nil {
		return nil, err
	}
	g.blockCache.Add(blockCoord, blockSamples)
	return blockSamples, nil
}

// getBlockSamples reads, decompresses, and decodes the block at blockCoord.
func (g *GeoTIFFGrid) getBlockSamples(blockCoord TileCoord) ([]float64, error) {
	blockIndex := blockCoord.C + g.blocksAcross*blockCoord.R
	blockByteCount := g.blockByteCounts[blockIndex]
	blockOffset := g.blockOffsets[blockIndex]

	// The last strip may be shorter than the others.
	blockRows := g.blockLength
	if g.striped {
		blockRows = min(g.blockLength, g.imageLength-blockCoord.R*g.blockLength)
	}
	bytesPerSample := g.bitsPerSample / 8
	blockByteCountUncompressed := g.blockWidth * blockRows * g.samplesPerPixel * bytesPerSample

	if blockByteCount > 2*maxBlockBytes ||
		g.fileSize >= 0 && (blockOffset > uint64(g.fileSize) || blockByteCount > uint64(g.fileSize)-blockOffset) {
		return nil, fmt.Errorf("block %d,%d: %d bytes at offset %d: %w", blockCoord.C, blockCoord.R, blockByteCount, blockOffset, errShortRead)
	}
	compressedData := make([]byte, blockByteCount)
	switch n, err := g.file.ReadAt(compressedData, int64(blockOffset)); {
	case n != int(blockByteCount) && err != nil:
		return nil, err
	case n != int(blockByteCount):
		return nil, errShortRead
	}

	blockData, err := g.decompressBlockData(compressedData, blockByteCountUncompressed)
	if err != nil {
		return nil, err
	}

	raw := g.decodeRawSamples(blockData, g.blockWidth*blockRows*g.samplesPerPixel)
	if g.predictor == predictorHorizontal {
		g.undoHorizontalPredictor(raw, blockRows)
	}

	blockSamples := make([]float64, g.blockWidth*g.blockLength)
	for i := range g.blockWidth * blockRows {
		blockSamples[i] = g.sampleValue(raw[i*g.samplesPerPixel])
	}
	return blockSamples, nil
}

// decompressBlockData decompresses data into n bytes.
func (g *GeoTIFFGrid) decompressBlockData(data []byte, n int) ([]byte, error) {
	var r io.Reader
	switch g.compression {
	case compressionNone:
		if len(data) < n {
			return nil, errShortRead
		}
		return data[:n], nil
	case compressionLZW:
		lzwReader := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer lzwReader.Close()
		r = lzwReader
	case compressionDeflate, compressionDeflateOld:
		zlibReader, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zlibReader.Close()
		r = zlibReader
	default:
		return nil, errors.ErrUnsupported
	}
	blockData := make([]byte, n)
	if _, err := io.ReadFull(r, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}

// decodeRawSamples decodes the first n samples in data as unsigned integers
// of g's sample size.
func (g *GeoTIFFGrid) decodeRawSamples(data []byte, n int) []uint64 {
	raw := make([]uint64, n)
	switch g.bitsPerSample {
	case 8:
		for i := range n {
			raw[i] = uint64(data[i])
		}
	case 16:
		for i := range n {
			raw[i] = uint64(g.byteOrder.Uint16(data[2*i : 2*i+2]))
		}
	case 32:
		for i := range n {
			raw[i] = uint64(g.byteOrder.Uint32(data[4*i : 4*i+4]))
		}
	case 64:
		for i := range n {
			raw[i] = g.byteOrder.Uint64(data[8*i : 8*i+8])
		}
	}
	return raw
}

// undoHorizontalPredictor reverses horizontal differencing in place.
func (g *GeoTIFFGrid) undoHorizontalPredictor(raw []uint64, rows int) {
	mask := uint64(math.MaxUint64)
	if g.bitsPerSample < 64 {
		mask = 1<<g.bitsPerSample - 1
	}
	stride := g.blockWidth * g.samplesPerPixel
	for r := range rows {
		line := raw[r*stride : (r+1)*stride]
		for i := g.samplesPerPixel; i < len(line); i++ {
			line[i] = (line[i] + line[i-g.samplesPerPixel]) & mask
		}
	}
}

// sampleValue converts a raw sample to a float64.
func (g *GeoTIFFGrid) sampleValue(raw uint64) float64 {
	switch g.sampleFormat {
	case sampleFormatInt:
		switch g.bitsPerSample {
		case 8:
			return float64(int8(raw))
		case 16:
			return float64(int16(raw))
		case 32:
			return float64(int32(raw))
		default:
			return float64(int64(raw))
		}
	case sampleFormatIEEEFloat:
		if g.bitsPerSample == 32 {
			return float64(math.Float32frombits(uint32(raw)))
		}
		return math.Float64frombits(raw)
	default:
		return float64(raw)
	}
}
