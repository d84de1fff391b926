// Package labels loads the per-crop class index to disease name mapping.
package labels

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrEmptyCatalog is returned when a label file defines no classes.
var ErrEmptyCatalog = errors.New("label catalog is empty")

// Catalog is an immutable, index-ordered list of class names.
type Catalog struct {
	names []string
	index map[string]int
}

// Load reads a JSON label file of the form {"0": "Name", "1": "Other", ...}.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the models directory
	if err != nil {
		return nil, fmt.Errorf("failed to read label file %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid label file %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes label JSON and checks that indices form the range 0..N-1.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyCatalog
	}

	names := make([]string, len(raw))
	seen := make([]bool, len(raw))
	for key, name := range raw {
		i, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("label key %q is not an integer index", key)
		}
		if i < 0 || i >= len(raw) {
			return nil, fmt.Errorf("label index %d outside contiguous range 0..%d", i, len(raw)-1)
		}
		if seen[i] {
			return nil, fmt.Errorf("duplicate label index %d", i)
		}
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("label index %d has an empty name", i)
		}
		seen[i] = true
		names[i] = name
	}
	return New(names)
}

// New builds a catalog from names already in index order.
func New(names []string) (*Catalog, error) {
	if len(names) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{
		names: append([]string(nil), names...),
		index: make(map[string]int, len(names)),
	}
	for i, n := range c.names {
		if _, dup := c.index[n]; dup {
			return nil, fmt.Errorf("duplicate label name %q", n)
		}
		c.index[n] = i
	}
	return c, nil
}

// Len returns the number of classes.
func (c *Catalog) Len() int { return len(c.names) }

// Name returns the class name at index i.
func (c *Catalog) Name(i int) (string, bool) {
	if i < 0 || i >= len(c.names) {
		return "", false
	}
	return c.names[i], true
}

// Names returns a copy of all class names in index order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Index returns the class index for name.
func (c *Catalog) Index(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}
