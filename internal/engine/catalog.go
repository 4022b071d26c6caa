// Package engine describes the external OCR programs available to the
// service and runs them.
package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownEngine is returned for engine IDs not in the catalog.
var ErrUnknownEngine = errors.New("unknown OCR engine")

//go:embed catalog.schema.json
var catalogSchema []byte

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Engine is one configured OCR program.
type Engine struct {
	ID        string   `json:"id"`
	Label     string   `json:"label,omitempty"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Languages string   `json:"languages,omitempty"`
	Options   string   `json:"options,omitempty"`
	Image     string   `json:"image,omitempty"`
	Default   bool     `json:"default,omitempty"`
}

// Argv returns the full command line for one page:
//
//	COMMAND [ARGS...] IMAGE OUTPUT PAGE_ID PAGE_NUM [-l LANGUAGES] [OPTIONS...]
func (e Engine) Argv(image, output, pageID string, pageNum int) []string {
	argv := make([]string, 0, len(e.Args)+8)
	argv = append(argv, e.Command)
	argv = append(argv, e.Args...)
	argv = append(argv, image, output, pageID, strconv.Itoa(pageNum))
	if e.Languages != "" {
		argv = append(argv, "-l", e.Languages)
	}
	argv = append(argv, strings.Fields(e.Options)...)
	return argv
}

// Containerized reports whether the engine runs in a container.
func (e Engine) Containerized() bool { return e.Image != "" }

// Catalog is the allow-list of engines. Engine IDs end up in paths and
// command lines, so nothing outside the catalog is ever run.
type Catalog struct {
	engines []Engine
	byID    map[string]int
	def     string
}

type catalogFile struct {
	Engines []Engine `json:"engines"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog validates data against the catalog schema and parses it.
func ParseCatalog(data []byte) (*Catalog, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("catalog.schema.json", bytes.NewReader(catalogSchema)); err != nil {
		return nil, fmt.Errorf("failed to load catalog schema: %w", err)
	}
	schema, err := compiler.Compile("catalog.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile catalog schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid engine catalog JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("engine catalog does not match schema: %w", err)
	}

	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid engine catalog: %w", err)
	}
	return NewCatalog(f.Engines...)
}

// NewCatalog builds a catalog from engines. The default is the first engine
// flagged Default, or the first engine.
func NewCatalog(engines ...Engine) (*Catalog, error) {
	if len(engines) == 0 {
		return nil, errors.New("engine catalog is empty")
	}
	c := &Catalog{byID: make(map[string]int, len(engines))}
	for _, e := range engines {
		if !idPattern.MatchString(e.ID) {
			return nil, fmt.Errorf("invalid engine id %q", e.ID)
		}
		if e.Command == "" {
			return nil, fmt.Errorf("engine %q has no command", e.ID)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate engine id %q", e.ID)
		}
		c.byID[e.ID] = len(c.engines)
		c.engines = append(c.engines, e)
		if e.Default && c.def == "" {
			c.def = e.ID
		}
	}
	if c.def == "" {
		c.def = engines[0].ID
	}
	return c, nil
}

// WithDefault returns a copy of the catalog with a different default.
func (c *Catalog) WithDefault(id string) (*Catalog, error) {
	if _, err := c.Lookup(id); err != nil {
		return nil, err
	}
	cp := *c
	cp.def = id
	return &cp, nil
}

// Lookup returns the engine with the given ID.
func (c *Catalog) Lookup(id string) (Engine, error) {
	i, ok := c.byID[id]
	if !ok {
		return Engine{}, fmt.Errorf("%w: %q", ErrUnknownEngine, id)
	}
	return c.engines[i], nil
}

// Resolve is Lookup with "" meaning the default engine.
func (c *Catalog) Resolve(id string) (Engine, error) {
	if id == "" {
		id = c.def
	}
	return c.Lookup(id)
}

// Default returns the ID of the default engine.
func (c *Catalog) Default() string { return c.def }

// All returns the engines in catalog order.
func (c *Catalog) All() []Engine {
	out := make([]Engine, len(c.engines))
	copy(out, c.engines)
	return out
}
