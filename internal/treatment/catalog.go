// Package treatment provides disease descriptions and treatment advice.
package treatment

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultCatalogYAML []byte

// DiseaseInfo is the static reference text for one disease.
type DiseaseInfo struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Treatment   string `yaml:"treatment" json:"treatment"`
	Prevention  string `yaml:"prevention" json:"prevention"`
}

type catalogFile struct {
	Diseases []DiseaseInfo `yaml:"diseases"`
}

// Catalog is an immutable set of disease entries keyed by exact name.
type Catalog struct {
	entries map[string]DiseaseInfo
	order   []string
}

// ParseCatalog reads a YAML document of the form `diseases: [{name: ...}]`.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse treatment catalog: %w", err)
	}
	c := &Catalog{entries: make(map[string]DiseaseInfo, len(f.Diseases))}
	for i, d := range f.Diseases {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("treatment catalog entry %d has no name", i)
		}
		if _, dup := c.entries[d.Name]; dup {
			return nil, fmt.Errorf("treatment catalog lists %q twice", d.Name)
		}
		c.entries[d.Name] = d
		c.order = append(c.order, d.Name)
	}
	return c, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read treatment catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic("embedded treatment catalog: " + err.Error())
	}
	return c
}

// OpenCatalog returns the built-in catalog overlaid with the file at path,
// if one is given. File entries replace built-in entries of the same name.
func OpenCatalog(path string) (*Catalog, error) {
	base := DefaultCatalog()
	if path == "" {
		return base, nil
	}
	extra, err := LoadCatalog(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("treatment catalog %s not found", path)
		}
		return nil, err
	}
	return base.Merge(extra), nil
}

// Merge returns a catalog with other's entries replacing or extending c's.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	out := &Catalog{entries: make(map[string]DiseaseInfo, len(c.entries)+len(other.entries))}
	for _, name := range c.order {
		out.entries[name] = c.entries[name]
		out.order = append(out.order, name)
	}
	for _, name := range other.order {
		if _, ok := out.entries[name]; !ok {
			out.order = append(out.order, name)
		}
		out.entries[name] = other.entries[name]
	}
	return out
}

// Lookup finds an entry by exact disease name.
func (c *Catalog) Lookup(name string) (DiseaseInfo, bool) {
	d, ok := c.entries[name]
	return d, ok
}

// Enrich returns the entry for name, or an entry with empty texts on a miss.
func (c *Catalog) Enrich(name string) DiseaseInfo {
	if d, ok := c.Lookup(name); ok {
		return d
	}
	return DiseaseInfo{Name: name}
}

// Names lists the catalog entries in file order.
func (c *Catalog) Names() []string { return append([]string(nil), c.order...) }

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.order) }
