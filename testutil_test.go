package groundlayers

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"io"
	"io/fs"
	"math"
	"slices"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"
	"github.com/klauspost/compress/zlib"
)

// TIFF field types.
const (
	tiffASCII  = 2
	tiffShort  = 3
	tiffLong   = 4
	tiffDouble = 12
	tiffLong8  = 16
)

// testExtraBandValue is the value of every sample in bands after the first.
const testExtraBandValue = 99

// A testGeoTIFF describes a GeoTIFF to be synthesized. Only the first band
// holds values.
type testGeoTIFF struct {
	width          int
	height         int
	originX        float64
	originY        float64
	cellSize       float64
	values         []float32 // Row-major, top row first.
	noData         string
	rowsPerStrip   int // Defaults to height.
	tileSize       int // If non-zero, the image is tiled.
	deflate        bool
	lzw            bool
	predictor      bool // Horizontal differencing, integer samples only.
	bitsPerSample  int  // Defaults to 32.
	sampleFormat   int  // Defaults to IEEE floating point.
	bands          int  // Defaults to 1.
	planarSeparate bool
	byteOrder      binary.AppendByteOrder // Defaults to little-endian.
	bigTIFF        bool
	transformation bool // Georeference with a ModelTransformationTag.
	epsg           int
	pixelIsPoint   bool
	blockByteCount uint64 // If non-zero, recorded as the size of every block.
}

type tiffEntry struct {
	tag    uint16
	typ    uint16
	count  uint64
	data   []byte
	offset uint64
}

func shortEntry(byteOrder binary.AppendByteOrder, tag uint16, values ...uint16) *tiffEntry {
	var data []byte
	for _, value := range values {
		data = byteOrder.AppendUint16(data, value)
	}
	return &tiffEntry{tag: tag, typ: tiffShort, count: uint64(len(values)), data: data}
}

func offsetEntry(byteOrder binary.AppendByteOrder, bigTIFF bool, tag uint16, values ...uint64) *tiffEntry {
	var data []byte
	for _, value := range values {
		if bigTIFF {
			data = byteOrder.AppendUint64(data, value)
		} else {
			data = byteOrder.AppendUint32(data, uint32(value))
		}
	}
	typ := uint16(tiffLong)
	if bigTIFF {
		typ = tiffLong8
	}
	return &tiffEntry{tag: tag, typ: typ, count: uint64(len(values)), data: data}
}

func doubleEntry(byteOrder binary.AppendByteOrder, tag uint16, values ...float64) *tiffEntry {
	var data []byte
	for _, value := range values {
		data = byteOrder.AppendUint64(data, math.Float64bits(value))
	}
	return &tiffEntry{tag: tag, typ: tiffDouble, count: uint64(len(values)), data: data}
}

func asciiEntry(tag uint16, value string) *tiffEntry {
	data := append([]byte(value), 0)
	return &tiffEntry{tag: tag, typ: tiffASCII, count: uint64(len(data)), data: data}
}

// blocks returns the first band of the blocks of tg and their dimensions.
func (tg testGeoTIFF) blocks() (blocks [][]float32, blockWidth, blockLength int) {
	value := func(col, row int) float32 {
		if col >= tg.width || row >= tg.height {
			return 0
		}
		return tg.values[row*tg.width+col]
	}
	if tg.tileSize != 0 {
		for r0 := 0; r0 < tg.height; r0 += tg.tileSize {
			for c0 := 0; c0 < tg.width; c0 += tg.tileSize {
				block := make([]float32, 0, tg.tileSize*tg.tileSize)
				for r := r0; r < r0+tg.tileSize; r++ {
					for c := c0; c < c0+tg.tileSize; c++ {
						block = append(block, value(c, r))
					}
				}
				blocks = append(blocks, block)
			}
		}
		return blocks, tg.tileSize, tg.tileSize
	}
	rowsPerStrip := tg.rowsPerStrip
	if rowsPerStrip == 0 {
		rowsPerStrip = tg.height
	}
	for r0 := 0; r0 < tg.height; r0 += rowsPerStrip {
		block := slices.Clone(tg.values[r0*tg.width : min(r0+rowsPerStrip, tg.height)*tg.width])
		blocks = append(blocks, block)
	}
	return blocks, tg.width, rowsPerStrip
}

// rawSample returns value encoded in tg's sample format.
func (tg testGeoTIFF) rawSample(value float32, bitsPerSample, sampleFormat int) uint64 {
	mask := uint64(math.MaxUint64)
	if bitsPerSample < 64 {
		mask = 1<<bitsPerSample - 1
	}
	switch {
	case sampleFormat == sampleFormatIEEEFloat && bitsPerSample == 64:
		return math.Float64bits(float64(value))
	case sampleFormat == sampleFormatIEEEFloat:
		return uint64(math.Float32bits(value))
	case sampleFormat == sampleFormatInt:
		return uint64(int64(value)) & mask
	default:
		return uint64(value) & mask
	}
}

// encodeBlock returns the compressed bytes of a block whose pixels have
// samplesPerPixel samples, of which the first is taken from values.
func (tg testGeoTIFF) encodeBlock(t *testing.T, values []float32, blockWidth, samplesPerPixel, bitsPerSample, sampleFormat int, byteOrder binary.AppendByteOrder) []byte {
	t.Helper()

	raw := make([]uint64, 0, samplesPerPixel*len(values))
	for _, value := range values {
		raw = append(raw, tg.rawSample(value, bitsPerSample, sampleFormat))
		for range samplesPerPixel - 1 {
			raw = append(raw, tg.rawSample(testExtraBandValue, bitsPerSample, sampleFormat))
		}
	}

	if tg.predictor {
		mask := uint64(math.MaxUint64)
		if bitsPerSample < 64 {
			mask = 1<<bitsPerSample - 1
		}
		stride := blockWidth * samplesPerPixel
		for r := range len(raw) / stride {
			line := raw[r*stride : (r+1)*stride]
			for i := len(line) - 1; i >= samplesPerPixel; i-- {
				line[i] = (line[i] - line[i-samplesPerPixel]) & mask
			}
		}
	}

	data := make([]byte, 0, len(raw)*bitsPerSample/8)
	for _, sample := range raw {
		switch bitsPerSample {
		case 8:
			data = append(data, byte(sample))
		case 16:
			data = byteOrder.AppendUint16(data, uint16(sample))
		case 32:
			data = byteOrder.AppendUint32(data, uint32(sample))
		case 64:
			data = byteOrder.AppendUint64(data, sample)
		}
	}

	switch {
	case tg.deflate:
		var buffer bytes.Buffer
		w := zlib.NewWriter(&buffer)
		_, err := w.Write(data)
		assert.NoError(t, err)
		assert.NoError(t, w.Close())
		return buffer.Bytes()
	case tg.lzw:
		return tiffLZWLiterals(data)
	default:
		return data
	}
}

// tiffLZWLiterals returns data as a TIFF LZW stream of 9-bit literal codes,
// clearing the table before it grows enough to widen the codes.
func tiffLZWLiterals(data []byte) []byte {
	const (
		clearCode = 256
		eoiCode   = 257
	)
	var result []byte
	var bits uint64
	var nBits uint
	write := func(code uint64) {
		bits = bits<<9 | code
		nBits += 9
		for nBits >= 8 {
			result = append(result, byte(bits>>(nBits-8)))
			nBits -= 8
		}
	}
	for i, b := range data {
		if i%200 == 0 {
			write(clearCode)
		}
		write(uint64(b))
	}
	write(eoiCode)
	if nBits > 0 {
		result = append(result, byte(bits<<(8-nBits)))
	}
	return result
}

// bytes returns tg encoded as a TIFF or BigTIFF file.
func (tg testGeoTIFF) bytes(t *testing.T) []byte {
	t.Helper()

	byteOrder := tg.byteOrder
	if byteOrder == nil {
		byteOrder = binary.LittleEndian
	}
	bitsPerSample := cmp.Or(tg.bitsPerSample, 32)
	sampleFormat := cmp.Or(tg.sampleFormat, sampleFormatIEEEFloat)
	bands := cmp.Or(tg.bands, 1)

	blocks, blockWidth, blockLength := tg.blocks()
	var blockData [][]byte
	if tg.planarSeparate {
		for _, block := range blocks {
			blockData = append(blockData, tg.encodeBlock(t, block, blockWidth, 1, bitsPerSample, sampleFormat, byteOrder))
		}
		for range bands - 1 {
			for _, block := range blocks {
				extraBand := slices.Repeat([]float32{testExtraBandValue}, len(block))
				blockData = append(blockData, tg.encodeBlock(t, extraBand, blockWidth, 1, bitsPerSample, sampleFormat, byteOrder))
			}
		}
	} else {
		for _, block := range blocks {
			blockData = append(blockData, tg.encodeBlock(t, block, blockWidth, bands, bitsPerSample, sampleFormat, byteOrder))
		}
	}
	blockOffsets := make([]uint64, len(blockData))
	blockByteCounts := make([]uint64, len(blockData))
	for i, data := range blockData {
		blockByteCounts[i] = cmp.Or(tg.blockByteCount, uint64(len(data)))
	}

	compression := uint16(compressionNone)
	switch {
	case tg.deflate:
		compression = compressionDeflate
	case tg.lzw:
		compression = compressionLZW
	}
	predictor := uint16(predictorNone)
	if tg.predictor {
		predictor = predictorHorizontal
	}
	planarConfiguration := uint16(planarChunky)
	if tg.planarSeparate {
		planarConfiguration = planarSeparate
	}
	offsetsEntry := offsetEntry(byteOrder, tg.bigTIFF, 273, blockOffsets...)
	byteCountsEntry := offsetEntry(byteOrder, tg.bigTIFF, 279, blockByteCounts...)
	entries := []*tiffEntry{
		shortEntry(byteOrder, 256, uint16(tg.width)),
		shortEntry(byteOrder, 257, uint16(tg.height)),
		shortEntry(byteOrder, 258, slices.Repeat([]uint16{uint16(bitsPerSample)}, bands)...),
		shortEntry(byteOrder, 259, compression),
		shortEntry(byteOrder, 262, 1),
		shortEntry(byteOrder, 277, uint16(bands)),
		shortEntry(byteOrder, 284, planarConfiguration),
		shortEntry(byteOrder, 317, predictor),
		shortEntry(byteOrder, 339, slices.Repeat([]uint16{uint16(sampleFormat)}, bands)...),
	}
	if tg.transformation {
		entries = append(entries, doubleEntry(byteOrder, 34264,
			tg.cellSize, 0, 0, tg.originX,
			0, -tg.cellSize, 0, tg.originY,
			0, 0, 0, 0,
			0, 0, 0, 1,
		))
	} else {
		entries = append(entries,
			doubleEntry(byteOrder, 33550, tg.cellSize, tg.cellSize, 0),
			doubleEntry(byteOrder, 33922, 0, 0, 0, tg.originX, tg.originY, 0),
		)
	}
	if tg.tileSize != 0 {
		offsetsEntry.tag = 324
		byteCountsEntry.tag = 325
		entries = append(entries,
			shortEntry(byteOrder, 322, uint16(blockWidth)),
			shortEntry(byteOrder, 323, uint16(blockLength)),
		)
	} else {
		entries = append(entries, offsetEntry(byteOrder, false, 278, uint64(blockLength)))
	}
	entries = append(entries, offsetsEntry, byteCountsEntry)
	if tg.noData != "" {
		entries = append(entries, asciiEntry(42113, tg.noData))
	}
	if tg.epsg != 0 || tg.pixelIsPoint {
		rasterType := uint16(1)
		if tg.pixelIsPoint {
			rasterType = rasterPixelIsPoint
		}
		geoKeys := []uint16{1, 1, 0, 2, uint16(GeoKeyGTModelType), 0, 1, 1, uint16(GeoKeyGTRasterType), 0, 1, rasterType}
		if tg.epsg != 0 {
			geoKeys[3] = 3
			geoKeys = append(geoKeys, uint16(GeoKeyProjectedCRS), 0, 1, uint16(tg.epsg))
		}
		entries = append(entries, shortEntry(byteOrder, 34735, geoKeys...))
	}
	slices.SortFunc(entries, func(a, b *tiffEntry) int {
		return int(a.tag) - int(b.tag)
	})

	// Lay out the IFD, then out-of-line values, then blocks.
	headerSize, entrySize, countSize, inlineSize := 8, 12, 2, 4
	if tg.bigTIFF {
		headerSize, entrySize, countSize, inlineSize = 16, 20, 8, 8
	}
	offset := uint64(headerSize + countSize + entrySize*len(entries) + inlineSize)
	for _, entry := range entries {
		if len(entry.data) > inlineSize {
			entry.offset = offset
			offset += uint64(len(entry.data) + len(entry.data)%2)
		}
	}
	for i, data := range blockData {
		blockOffsets[i] = offset
		offset += uint64(len(data))
	}
	offsetsEntry.data = offsetEntry(byteOrder, tg.bigTIFF, offsetsEntry.tag, blockOffsets...).data

	var buffer bytes.Buffer
	if byteOrder == binary.BigEndian {
		buffer.WriteString("MM")
	} else {
		buffer.WriteString("II")
	}
	writeOffset := func(value uint64) {
		if tg.bigTIFF {
			buffer.Write(byteOrder.AppendUint64(nil, value))
		} else {
			buffer.Write(byteOrder.AppendUint32(nil, uint32(value)))
		}
	}
	if tg.bigTIFF {
		buffer.Write(byteOrder.AppendUint16(nil, 43))
		buffer.Write(byteOrder.AppendUint16(nil, 8))
		buffer.Write(byteOrder.AppendUint16(nil, 0))
		writeOffset(16)
	} else {
		buffer.Write(byteOrder.AppendUint16(nil, 42))
		writeOffset(8)
	}
	if tg.bigTIFF {
		buffer.Write(byteOrder.AppendUint64(nil, uint64(len(entries))))
	} else {
		buffer.Write(byteOrder.AppendUint16(nil, uint16(len(entries))))
	}
	for _, entry := range entries {
		buffer.Write(byteOrder.AppendUint16(nil, entry.tag))
		buffer.Write(byteOrder.AppendUint16(nil, entry.typ))
		writeOffset(entry.count)
		if len(entry.data) > inlineSize {
			writeOffset(entry.offset)
		} else {
			value := make([]byte, inlineSize)
			copy(value, entry.data)
			buffer.Write(value)
		}
	}
	writeOffset(0)
	for _, entry := range entries {
		if len(entry.data) > inlineSize {
			buffer.Write(entry.data)
			if len(entry.data)%2 != 0 {
				buffer.WriteByte(0)
			}
		}
	}
	for _, data := range blockData {
		buffer.Write(data)
	}
	return buffer.Bytes()
}

// A testIDF describes an iMOD IDF file to be synthesized.
type testIDF struct {
	ncol            int
	nrow            int
	xmin            float64
	ymax            float64
	dx              []float64 // One value if equidistant.
	dy              []float64 // One value if equidistant.
	noData          float64
	values          []float64 // Row-major, top row first.
	doublePrecision bool
}

// bytes returns ti encoded as an IDF file.
func (ti testIDF) bytes() []byte {
	var buffer bytes.Buffer
	le := binary.LittleEndian
	writeInt := func(i int) {
		if ti.doublePrecision {
			_ = binary.Write(&buffer, le, int64(i))
		} else {
			_ = binary.Write(&buffer, le, int32(i))
		}
	}
	writeFloat := func(f float64) {
		if ti.doublePrecision {
			_ = binary.Write(&buffer, le, f)
		} else {
			_ = binary.Write(&buffer, le, float32(f))
		}
	}
	nonEquidistant := len(ti.dx) > 1 || len(ti.dy) > 1

	width, height := 0.0, 0.0
	for i := range ti.ncol {
		width += ti.dx[min(i, len(ti.dx)-1)]
	}
	for i := range ti.nrow {
		height += ti.dy[min(i, len(ti.dy)-1)]
	}

	if ti.doublePrecision {
		_ = binary.Write(&buffer, le, int32(idfDoublePrecision))
		buffer.Write(make([]byte, 4))
	} else {
		_ = binary.Write(&buffer, le, int32(idfSinglePrecision))
	}
	writeInt(ti.ncol)
	writeInt(ti.nrow)
	writeFloat(ti.xmin)
	writeFloat(ti.xmin + width)
	writeFloat(ti.ymax - height)
	writeFloat(ti.ymax)
	writeFloat(slices.Min(ti.values))
	writeFloat(slices.Max(ti.values))
	writeFloat(ti.noData)
	if nonEquidistant {
		buffer.Write([]byte{1, 0, 0, 0})
	} else {
		buffer.Write([]byte{0, 0, 0, 0})
	}
	if ti.doublePrecision {
		buffer.Write(make([]byte, 4))
	}
	if nonEquidistant {
		for i := range ti.ncol {
			writeFloat(ti.dx[i])
		}
		for i := range ti.nrow {
			writeFloat(ti.dy[i])
		}
	} else {
		writeFloat(ti.dx[0])
		writeFloat(ti.dy[0])
	}
	for _, value := range ti.values {
		writeFloat(value)
	}
	return buffer.Bytes()
}

// A closeTrackingFS wraps an fs.FS and records which files are open.
type closeTrackingFS struct {
	fsys  fs.FS
	mutex sync.Mutex
	open  map[string]int
}

func newCloseTrackingFS(fsys fs.FS) *closeTrackingFS {
	return &closeTrackingFS{
		fsys: fsys,
		open: make(map[string]int),
	}
}

func (c *closeTrackingFS) Open(name string) (fs.File, error) {
	file, err := c.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.open[name]++
	return &closeTrackingFile{
		File: file,
		fs:   c,
		name: name,
	}, nil
}

func (c *closeTrackingFS) openCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	count := 0
	for _, n := range c.open {
		count += n
	}
	return count
}

type closeTrackingFile struct {
	fs.File
	fs   *closeTrackingFS
	name string
}

func (f *closeTrackingFile) Close() error {
	f.fs.mutex.Lock()
	f.fs.open[f.name]--
	f.fs.mutex.Unlock()
	return f.File.Close()
}

func (f *closeTrackingFile) ReadAt(p []byte, off int64) (int, error) {
	return f.File.(io.ReaderAt).ReadAt(p, off)
}

func (f *closeTrackingFile) Seek(offset int64, whence int) (int64, error) {
	return f.File.(io.Seeker).Seek(offset, whence)
}

// assertSamplesEqual asserts that actual equals expected, treating NaNs as
// equal.
func assertSamplesEqual(t *testing.T, expected, actual []float64) {
	t.Helper()
	assert.Equal(t, len(expected), len(actual))
	for i := range expected {
		if math.IsNaN(expected[i]) {
			assert.True(t, math.IsNaN(actual[i]), "sample %d: expected NaN, got %v", i, actual[i])
		} else {
			assert.Equal(t, expected[i], actual[i], "sample %d", i)
		}
	}
}

func mapFS(files map[string][]byte) fstest.MapFS {
	fsys := make(fstest.MapFS, len(files))
	for name, data := range files {
		fsys[name] = &fstest.MapFile{Data: data}
	}
	return fsys
}
