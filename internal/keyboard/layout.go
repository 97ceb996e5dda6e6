package keyboard

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"blobkbd/internal/zone"
)

//go:embed layout.schema.json
var layoutSchemaJSON string

var (
	layoutSchemaOnce sync.Once
	layoutSchema     *jsonschema.Schema
	layoutSchemaErr  error
)

// KeySpec is the file form of a key.
type KeySpec struct {
	// Letters holds exactly three characters: left, center, right.
	Letters string `json:"letters" yaml:"letters" toml:"letters"`
	X       int    `json:"x" yaml:"x" toml:"x"`
	Y       int    `json:"y" yaml:"y" toml:"y"`
	Width   int    `json:"width" yaml:"width" toml:"width"`
	Height  int    `json:"height" yaml:"height" toml:"height"`
}

// Def converts the file form into a KeyDef.
func (s KeySpec) Def() (KeyDef, error) {
	runes := []rune(s.Letters)
	if len(runes) != 3 {
		return KeyDef{}, fmt.Errorf("%w: letters %q must hold exactly 3 characters", ErrInvalidKey, s.Letters)
	}
	return KeyDef{
		Letters: [3]rune{runes[0], runes[1], runes[2]},
		Rect:    zone.Rect{X: s.X, Y: s.Y, Width: s.Width, Height: s.Height},
	}, nil
}

// Layout is a set of keys loaded together.
type Layout struct {
	Name string    `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Keys []KeySpec `json:"keys" yaml:"keys" toml:"keys"`
}

// Bounds returns the smallest rectangle enclosing every key.
func (l Layout) Bounds() zone.Rect {
	if len(l.Keys) == 0 {
		return zone.Rect{}
	}
	minX, minY := l.Keys[0].X, l.Keys[0].Y
	maxX, maxY := minX, minY
	for _, k := range l.Keys {
		minX = min(minX, k.X)
		minY = min(minY, k.Y)
		maxX = max(maxX, k.X+k.Width)
		maxY = max(maxY, k.Y+k.Height)
	}
	return zone.Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Default key geometry of the built-in layout.
const (
	DefaultKeySize = 62
	DefaultKeyGap  = 8
)

// DefaultLayout returns the built-in 3x3 grid covering a to z and a period.
// Each key carries its most common letter in the center zone.
func DefaultLayout() Layout {
	letters := []string{
		"bac", "edf", "hgi",
		"kjl", "nmo", "qpr",
		"tsu", "wvx", "zy.",
	}
	return Grid("abc", letters, 3, DefaultKeySize, DefaultKeyGap)
}

// Grid lays out keys row by row, cols per row, with square keys of the
// given size separated by gap.
func Grid(name string, letters []string, cols, size, gap int) Layout {
	if cols < 1 {
		cols = 1
	}
	l := Layout{Name: name, Keys: make([]KeySpec, 0, len(letters))}
	for i, s := range letters {
		row, col := i/cols, i%cols
		l.Keys = append(l.Keys, KeySpec{
			Letters: s,
			X:       col * (size + gap),
			Y:       row * (size + gap),
			Width:   size,
			Height:  size,
		})
	}
	return l
}

// ParseLayout decodes a layout. format is "json", "yaml" or "toml"; an
// empty format tries each in turn.
func ParseLayout(data []byte, format string) (Layout, error) {
	var l Layout
	switch format {
	case "json":
		if err := json.Unmarshal(data, &l); err != nil {
			return Layout{}, fmt.Errorf("decode JSON layout: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &l); err != nil {
			return Layout{}, fmt.Errorf("decode YAML layout: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), &l); err != nil {
			return Layout{}, fmt.Errorf("decode TOML layout: %w", err)
		}
	case "":
		if err := json.Unmarshal(data, &l); err == nil {
			break
		}
		l = Layout{}
		if _, err := toml.Decode(string(data), &l); err == nil {
			break
		}
		l = Layout{}
		if err := yaml.Unmarshal(data, &l); err != nil {
			return Layout{}, fmt.Errorf("unable to parse layout (tried JSON, TOML, YAML)")
		}
	default:
		return Layout{}, fmt.Errorf("unknown layout format %q", format)
	}

	if err := ValidateLayout(l); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// LoadLayout reads and validates a layout file. The format follows the file
// extension.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}

	format := ""
	switch filepath.Ext(path) {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
		format = "toml"
	}

	l, err := ParseLayout(data, format)
	if err != nil {
		return Layout{}, fmt.Errorf("layout %s: %w", filepath.Base(path), err)
	}
	return l, nil
}

func compiledLayoutSchema() (*jsonschema.Schema, error) {
	layoutSchemaOnce.Do(func() {
		layoutSchema, layoutSchemaErr = jsonschema.CompileString("layout.schema.json", layoutSchemaJSON)
	})
	return layoutSchema, layoutSchemaErr
}

// ValidateLayout checks a layout against the layout schema.
func ValidateLayout(l Layout) error {
	schema, err := compiledLayoutSchema()
	if err != nil {
		return fmt.Errorf("compile layout schema: %w", err)
	}

	// Round-trip through JSON so the validator sees plain JSON values
	// whatever format the layout came from.
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode layout: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// Load adds every key of l to the machine, in order. On error the keys
// added so far are removed again.
func (m *Machine) Load(l Layout) ([]KeyID, error) {
	ids := make([]KeyID, 0, len(l.Keys))
	for i, spec := range l.Keys {
		def, err := spec.Def()
		if err == nil {
			var id KeyID
			id, err = m.Add(def)
			if err == nil {
				ids = append(ids, id)
				continue
			}
		}
		for _, id := range ids {
			_ = m.Remove(id)
		}
		return nil, fmt.Errorf("key %d: %w", i, err)
	}
	return ids, nil
}
