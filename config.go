package groundlayers

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
)

// A Config is a project configuration, usually loaded from a TOML file.
//
//	folder = "solids"
//	catalog = "solids/index.csv"
//	delimiter = ";"
//	resolution = 25.0
//	name = "regional model"
//
//	[fields]
//	number = "nr"
//	name = "layer"
//
//	[default_style]
//	alpha = 0.8
//
//	[sampler]
//	idf = true
//	interpolation = "bilinear"
type Config struct {
	Folder       string        `toml:"folder"`
	Catalog      string        `toml:"catalog"`
	Delimiter    string        `toml:"delimiter"`
	Resolution   float64       `toml:"resolution"`
	Name         string        `toml:"name"`
	Fields       FieldNames    `toml:"fields"`
	DefaultStyle Style         `toml:"default_style"`
	Sampler      SamplerConfig `toml:"sampler"`

	dir string
}

// A SamplerConfig configures a Sampler.
type SamplerConfig struct {
	IDF            *bool  `toml:"idf"`
	Interpolation  string `toml:"interpolation"`
	SourceCRS      string `toml:"source_crs"`
	GridCRS        string `toml:"grid_crs"`
	BlockCacheSize int    `toml:"block_cache_size"`
}

// LoadConfig loads the Config in path. Relative paths in the config are
// relative to the directory containing path.
func LoadConfig(path string) (*Config, error) {
	logger.Debug("reading config", "file", filepath.Base(path))
	var config Config
	metaData, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, err
	}
	for _, key := range metaData.Undecoded() {
		// Styles are free-form.
		if key[0] == "default_style" {
			continue
		}
		return nil, fmt.Errorf("%s: unknown key %s", path, key)
	}
	config.dir = filepath.Dir(path)
	return &config, nil
}

// LayerIndexOptions returns the options for building c's LayerIndex.
func (c *Config) LayerIndexOptions() (LayerIndexOptions, error) {
	var delimiter rune
	if c.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(c.Delimiter)
		if size != len(c.Delimiter) || r == utf8.RuneError {
			return LayerIndexOptions{}, fmt.Errorf("delimiter: %q: must be a single character", c.Delimiter)
		}
		delimiter = r
	}
	return LayerIndexOptions{
		FieldNames:   c.Fields,
		Delimiter:    delimiter,
		Resolution:   c.Resolution,
		DefaultStyle: c.DefaultStyle,
		Name:         c.Name,
	}, nil
}

// LayerIndex loads c's LayerIndex.
func (c *Config) LayerIndex() (*LayerIndex, error) {
	options, err := c.LayerIndexOptions()
	if err != nil {
		return nil, err
	}
	return LoadLayerIndex(c.path(c.Folder), c.path(c.Catalog), options)
}

// SamplerOptions returns the options for c's Sampler.
func (c *Config) SamplerOptions() ([]SamplerOption, error) {
	var options []SamplerOption
	if c.Sampler.IDF != nil {
		options = append(options, WithIDF(*c.Sampler.IDF))
	}
	if c.Sampler.Interpolation != "" {
		interpolation, err := ParseInterpolation(c.Sampler.Interpolation)
		if err != nil {
			return nil, err
		}
		options = append(options, WithInterpolation(interpolation))
	}
	if c.Sampler.SourceCRS != "" {
		options = append(options, WithSourceCRS(c.Sampler.SourceCRS))
	}
	if c.Sampler.GridCRS != "" {
		options = append(options, WithGridCRS(c.Sampler.GridCRS))
	}
	if c.Sampler.BlockCacheSize != 0 {
		options = append(options, WithGeoTIFFGridOptions(WithBlockCacheSize(c.Sampler.BlockCacheSize)))
	}
	return options, nil
}

// NewSampler returns a new Sampler configured by c, with extra options applied
// last.
func (c *Config) NewSampler(extraOptions ...SamplerOption) (*Sampler, error) {
	options, err := c.SamplerOptions()
	if err != nil {
		return nil, err
	}
	return NewSampler(append(options, extraOptions...)...), nil
}

// path returns name relative to c's directory.
func (c *Config) path(name string) string {
	if c.dir == "" {
		return name
	}
	return joinPath(c.dir, name)
}

// ParseInterpolation parses an interpolation name.
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(s) {
	case "nearest":
		return InterpolationNearest, nil
	case "bilinear":
		return InterpolationBilinear, nil
	default:
		return 0, fmt.Errorf("%s: unknown interpolation", s)
	}
}

func (i Interpolation) String() string {
	switch i {
	case InterpolationNearest:
		return "nearest"
	case InterpolationBilinear:
		return "bilinear"
	default:
		return fmt.Sprintf("Interpolation(%d)", int(i))
	}
}
