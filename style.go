package groundlayers

import (
	"fmt"

	"gopkg.in/go-playground/colors.v1"
)

// Style keys set for every layer.
const (
	StyleKeyLabel     = "label"
	StyleKeyFaceColor = "facecolor"
)

// A Style is a set of plotting attributes, for example "facecolor" and
// "label". Values are strings, numbers, booleans, or nested []any and
// map[string]any values.
type Style map[string]any

// Clone returns a deep copy of s. Nested maps and slices are copied so that
// modifying the copy never modifies s.
func (s Style) Clone() Style {
	if s == nil {
		return Style{}
	}
	clone := make(Style, len(s))
	for key, value := range s {
		clone[key] = cloneStyleValue(value)
	}
	return clone
}

// FaceColor returns s's face color. The face color may be written in any of
// the hex, rgb(), or rgba() notations.
func (s Style) FaceColor() (colors.Color, error) {
	value, ok := s[StyleKeyFaceColor]
	if !ok {
		return nil, fmt.Errorf("%s: missing", StyleKeyFaceColor)
	}
	str, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("%s: %v: not a string", StyleKeyFaceColor, value)
	}
	color, err := colors.Parse(str)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StyleKeyFaceColor, err)
	}
	return color, nil
}

// Label returns s's label.
func (s Style) Label() string {
	label, _ := s[StyleKeyLabel].(string)
	return label
}

func cloneStyleValue(value any) any {
	switch value := value.(type) {
	case Style:
		return value.Clone()
	case map[string]any:
		return map[string]any(Style(value).Clone())
	case []any:
		clone := make([]any, len(value))
		for i, element := range value {
			clone[i] = cloneStyleValue(element)
		}
		return clone
	case []string:
		return append([]string(nil), value...)
	case []float64:
		return append([]float64(nil), value...)
	default:
		return value
	}
}
