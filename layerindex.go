package groundlayers

import (
	"cmp"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// DefaultResolution is the sampling resolution used when none is given.
const DefaultResolution = 10

// ErrMissingColumn is returned when a catalog does not have a required column.
var ErrMissingColumn = errors.New("missing column")

// FieldNames are the names of the catalog columns holding each layer
// attribute.
type FieldNames struct {
	Number   string `toml:"number"`
	Name     string `toml:"name"`
	TopFile  string `toml:"topfile"`
	BaseFile string `toml:"basefile"`
	Color    string `toml:"color"`
}

// DefaultFieldNames returns the default catalog column names.
func DefaultFieldNames() FieldNames {
	return FieldNames{
		Number:   "number",
		Name:     "name",
		TopFile:  "topfile",
		BaseFile: "basefile",
		Color:    "color",
	}
}

// withDefaults returns f with empty names replaced by their defaults.
func (f FieldNames) withDefaults() FieldNames {
	defaults := DefaultFieldNames()
	return FieldNames{
		Number:   cmp.Or(f.Number, defaults.Number),
		Name:     cmp.Or(f.Name, defaults.Name),
		TopFile:  cmp.Or(f.TopFile, defaults.TopFile),
		BaseFile: cmp.Or(f.BaseFile, defaults.BaseFile),
		Color:    cmp.Or(f.Color, defaults.Color),
	}
}

// LayerIndexOptions are the options for building a LayerIndex.
type LayerIndexOptions struct {
	FieldNames   FieldNames // Empty names take their default.
	Delimiter    rune       // Defaults to ','.
	Resolution   float64    // Defaults to DefaultResolution.
	DefaultStyle Style      // Copied into every layer's style.
	Name         string
}

// An Entry is a layer with its rank.
type Entry struct {
	Rank  int
	Layer Layer
}

// A LayerIndex is a ranked collection of layers with their plotting styles.
type LayerIndex struct {
	name         string
	resolution   float64
	defaultStyle Style
	entries      []Entry
	styles       map[string]Style
}

// LoadLayerIndex reads the catalog in catalogFile and returns a LayerIndex
// whose grid files are relative to folder. Rows with a rank less than or equal
// to zero are skipped. Grid files are not opened.
func LoadLayerIndex(folder, catalogFile string, options LayerIndexOptions) (*LayerIndex, error) {
	if _, err := os.Stat(folder); err != nil {
		return nil, err
	}
	logger.Debug("reading catalog", "file", filepath.Base(catalogFile))
	file, err := os.Open(catalogFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	layerIndex, err := ReadLayerIndex(file, folder, options)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", catalogFile, err)
	}
	return layerIndex, nil
}

// ReadLayerIndex reads a catalog from r and returns a LayerIndex whose grid
// files are relative to folder. An empty catalog, without even a header, gives an
// empty LayerIndex.
func ReadLayerIndex(r io.Reader, folder string, options LayerIndexOptions) (*LayerIndex, error) {
	fieldNames := options.FieldNames.withDefaults()
	resolution := options.Resolution
	if resolution == 0 {
		resolution = DefaultResolution
	}

	csvReader := csv.NewReader(r)
	if options.Delimiter != 0 {
		csvReader.Comma = options.Delimiter
	}

	layerIndex := &LayerIndex{
		name:         options.Name,
		resolution:   resolution,
		defaultStyle: options.DefaultStyle.Clone(),
		styles:       make(map[string]Style),
	}

	header, err := csvReader.Read()
	switch {
	case errors.Is(err, io.EOF):
		return layerIndex, nil
	case err != nil:
		return nil, fmt.Errorf("line 1: header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		if _, ok := columns[name]; !ok {
			columns[name] = i
		}
	}
	var (
		numberColumn   int
		nameColumn     int
		topFileColumn  int
		baseFileColumn int
		colorColumn    int
	)
	for _, c := range []struct {
		name   string
		column *int
	}{
		{fieldNames.Number, &numberColumn},
		{fieldNames.Name, &nameColumn},
		{fieldNames.TopFile, &topFileColumn},
		{fieldNames.BaseFile, &baseFileColumn},
		{fieldNames.Color, &colorColumn},
	} {
		column, ok := columns[c.name]
		if !ok {
			return nil, fmt.Errorf("line 1: %q: %w", c.name, ErrMissingColumn)
		}
		*c.column = column
	}

	for {
		record, err := csvReader.Read()
		switch {
		case errors.Is(err, io.EOF):
			return layerIndex, nil
		case err != nil:
			return nil, err
		}
		line, _ := csvReader.FieldPos(0)

		rank, err := strconv.Atoi(strings.TrimSpace(record[numberColumn]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, fieldNames.Number, err)
		}
		if rank <= 0 {
			continue
		}

		name := record[nameColumn]
		layerIndex.entries = append(layerIndex.entries, Entry{
			Rank: rank,
			Layer: Layer{
				Name:       name,
				TopFile:    joinPath(folder, record[topFileColumn]),
				BaseFile:   joinPath(folder, record[baseFileColumn]),
				Resolution: resolution,
				StyleKey:   name,
			},
		})

		style := options.DefaultStyle.Clone()
		style[StyleKeyLabel] = name
		style[StyleKeyFaceColor] = record[colorColumn]
		layerIndex.styles[name] = style
	}
}

// Name returns l's display name.
func (l *LayerIndex) Name() string {
	return l.name
}

// Resolution returns the sampling resolution of l's layers.
func (l *LayerIndex) Resolution() float64 {
	return l.resolution
}

// DefaultStyle returns a copy of the style that every layer's style is based
// on.
func (l *LayerIndex) DefaultStyle() Style {
	return l.defaultStyle.Clone()
}

// Entries returns l's entries.
func (l *LayerIndex) Entries() []Entry {
	return slices.Clone(l.entries)
}

// Layers returns l's layers in entry order.
func (l *LayerIndex) Layers() []Layer {
	layers := make([]Layer, len(l.entries))
	for i, entry := range l.entries {
		layers[i] = entry.Layer
	}
	return layers
}

// Size returns the number of layers in l.
func (l *LayerIndex) Size() int {
	return len(l.entries)
}

// Sort sorts l's entries by ascending rank. Entries with equal ranks keep
// their catalog order.
func (l *LayerIndex) Sort() {
	slices.SortStableFunc(l.entries, func(a, b Entry) int {
		return cmp.Compare(a.Rank, b.Rank)
	})
}

// Style returns a copy of the style for the layer with the given style key.
func (l *LayerIndex) Style(key string) (Style, bool) {
	style, ok := l.styles[key]
	if !ok {
		return nil, false
	}
	return style.Clone(), true
}

// Styles returns a copy of all of l's styles, keyed by style key.
func (l *LayerIndex) Styles() map[string]Style {
	styles := make(map[string]Style, len(l.styles))
	for key, style := range l.styles {
		styles[key] = style.Clone()
	}
	return styles
}

func (l *LayerIndex) String() string {
	return fmt.Sprintf("LayerIndex(name=%s, layers=%d)", l.name, len(l.entries))
}

// joinPath joins folder and filename unless filename is already absolute.
func joinPath(folder, filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(folder, filename)
}
