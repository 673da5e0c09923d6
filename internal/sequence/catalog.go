package sequence

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.schema.json
var catalogSchema string

// catalogFile is the on-disk catalog after alias normalization.
type catalogFile struct {
	Patterns []Pattern `json:"patterns"`
	Settings Settings  `json:"settings"`
}

// Legacy key names still accepted in catalog files.
var (
	topLevelAliases = map[string]string{"jutsus": "patterns"}
	patternAliases  = map[string]string{"japanese": "display_name"}
)

// LoadCatalog reads a catalog from a JSON or YAML file; .yaml and .yml select
// YAML. On any failure it returns an empty catalog together with an error
// wrapping ErrConfiguration, so callers can keep running.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EmptyCatalog(), fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}

	c, err := ParseCatalog(data, format)
	if err != nil {
		return EmptyCatalog(), fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes catalog bytes in the given format ("json" or "yaml"),
// validates them against the catalog schema and builds the catalog.
func ParseCatalog(data []byte, format string) (*Catalog, error) {
	var doc any
	switch format {
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return EmptyCatalog(), fmt.Errorf("%w: parse json: %v", ErrConfiguration, err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return EmptyCatalog(), fmt.Errorf("%w: parse yaml: %v", ErrConfiguration, err)
		}
	default:
		return EmptyCatalog(), fmt.Errorf("%w: unsupported format %q", ErrConfiguration, format)
	}

	root, ok := doc.(map[string]any)
	if !ok {
		return EmptyCatalog(), fmt.Errorf("%w: catalog must be an object", ErrConfiguration)
	}
	normalize(root)

	normalized, err := json.Marshal(root)
	if err != nil {
		return EmptyCatalog(), fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if err := validateSchema(normalized); err != nil {
		return EmptyCatalog(), err
	}

	file := catalogFile{Settings: DefaultSettings()}
	if err := json.Unmarshal(normalized, &file); err != nil {
		return EmptyCatalog(), fmt.Errorf("%w: decode: %v", ErrConfiguration, err)
	}

	c, err := NewCatalog(file.Patterns, file.Settings)
	if err != nil {
		return EmptyCatalog(), err
	}
	return c, nil
}

// normalize rewrites legacy keys in place. A canonical key wins over its alias.
func normalize(root map[string]any) {
	renameKeys(root, topLevelAliases)

	patterns, _ := root["patterns"].([]any)
	for _, p := range patterns {
		if m, ok := p.(map[string]any); ok {
			renameKeys(m, patternAliases)
		}
	}
}

func renameKeys(m map[string]any, aliases map[string]string) {
	for alias, canonical := range aliases {
		v, ok := m[alias]
		if !ok {
			continue
		}
		delete(m, alias)
		if _, exists := m[canonical]; !exists {
			m[canonical] = v
		}
	}
}

func validateSchema(doc []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(catalogSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("%w: schema: %v", ErrConfiguration, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
}
