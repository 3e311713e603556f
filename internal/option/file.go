package option

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Setting is one name/value pair from an options file.
type Setting struct {
	Name  string `json:"name" cbor:"name"`
	Value string `json:"value" cbor:"value"`
}

// LoadFile reads a YAML mapping of option names to values. Entries are
// returned in file order because the order options are set in is
// observable through hooks that combine several options.
func LoadFile(path string) ([]Setting, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML options content; see LoadFile.
func Parse(data []byte) ([]Setting, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse options: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("parse options: top level must be a mapping")
	}
	settings := make([]Setting, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("parse options: value of %q must be a scalar (line %d)", k.Value, v.Line)
		}
		settings = append(settings, Setting{Name: k.Value, Value: v.Value})
	}
	return settings, nil
}

// Apply sets each setting in order and stops at the first failure.
func (r *Registry) Apply(settings []Setting) error {
	for _, s := range settings {
		if err := r.Set(s.Name, s.Value); err != nil {
			return err
		}
	}
	return nil
}
