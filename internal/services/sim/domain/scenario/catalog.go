package scenario

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
)

//go:embed catalog/*.yaml
var embeddedCatalog embed.FS

// ErrNotFound indicates an unknown scenario id.
var ErrNotFound = apperrors.New(apperrors.CodeScenarioNotFound, "scenario not found")

// Catalog is a read-mostly registry of scenarios keyed by id.
type Catalog struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

// NewCatalog builds a catalog from already-validated scenarios.
func NewCatalog(scenarios ...Scenario) (*Catalog, error) {
	c := &Catalog{scenarios: make(map[string]Scenario, len(scenarios))}
	for _, scn := range scenarios {
		if err := c.Register(scn); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// EmbeddedCatalog loads the scenarios compiled into the binary.
func EmbeddedCatalog() (*Catalog, error) {
	return LoadFS(embeddedCatalog, "catalog")
}

// LoadFS parses every *.yaml / *.yml file under dir.
func LoadFS(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(path.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	catalog := &Catalog{scenarios: make(map[string]Scenario, len(names))}
	for _, name := range names {
		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read scenario %s: %w", name, err)
		}
		scn, err := Parse(content)
		if err != nil {
			return nil, fmt.Errorf("parse scenario %s: %w", name, err)
		}
		if err := catalog.Register(scn); err != nil {
			return nil, fmt.Errorf("register scenario %s: %w", name, err)
		}
	}
	return catalog, nil
}

// Parse decodes and validates one YAML scenario document. Unknown fields are
// rejected so typos in stage policy fail loudly.
func Parse(content []byte) (Scenario, error) {
	var scn Scenario
	decoder := yaml.NewDecoder(strings.NewReader(string(content)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scn); err != nil {
		return Scenario{}, err
	}
	if err := scn.Validate(); err != nil {
		return Scenario{}, err
	}
	return scn, nil
}

// Register adds or replaces a scenario after validating it.
func (c *Catalog) Register(scn Scenario) error {
	if err := scn.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scenarios == nil {
		c.scenarios = make(map[string]Scenario)
	}
	c.scenarios[scn.ID] = scn
	return nil
}

// Get returns the scenario for id or ErrNotFound.
func (c *Catalog) Get(id string) (Scenario, error) {
	if c == nil {
		return Scenario{}, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	scn, ok := c.scenarios[strings.TrimSpace(id)]
	if !ok {
		return Scenario{}, apperrors.WithMetadata(apperrors.CodeScenarioNotFound, fmt.Sprintf("scenario %q not found", id), map[string]string{"scenario_id": id})
	}
	return scn, nil
}

// IDs lists registered scenario ids in sorted order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.scenarios))
	for id := range c.scenarios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge registers every scenario of other into c, replacing same-id entries.
func (c *Catalog) Merge(other *Catalog) error {
	if other == nil {
		return nil
	}
	other.mu.RLock()
	scenarios := make([]Scenario, 0, len(other.scenarios))
	for _, scn := range other.scenarios {
		scenarios = append(scenarios, scn)
	}
	other.mu.RUnlock()
	for _, scn := range scenarios {
		if err := c.Register(scn); err != nil {
			return err
		}
	}
	return nil
}
