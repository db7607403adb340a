package config

import (
	"fmt"
	"os"

	"github.com/ghiac/agentdesk/model"
	"gopkg.in/yaml.v3"
)

// Catalog is the static description of plans and client tool declarations
type Catalog struct {
	Plans   []model.Plan    `yaml:"plans"`
	Clients []ClientCatalog `yaml:"clients"`
}

// ClientCatalog binds a client to a plan and its declared tools
type ClientCatalog struct {
	ID    string       `yaml:"id"`
	Plan  string       `yaml:"plan"`
	Tools []model.Tool `yaml:"tools"`
}

// LoadCatalog reads and parses the catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML and checks cross references
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	plans := make(map[string]bool, len(catalog.Plans))
	for _, p := range catalog.Plans {
		if p.Name == "" {
			return nil, fmt.Errorf("catalog plan without name")
		}
		switch p.AIMode {
		case "", model.AIModeStandard, model.AIModeAdaptive:
		default:
			return nil, fmt.Errorf("plan %s: unsupported ai_mode %q", p.Name, p.AIMode)
		}
		plans[p.Name] = true
	}
	for _, c := range catalog.Clients {
		if c.ID == "" {
			return nil, fmt.Errorf("catalog client without id")
		}
		if !plans[c.Plan] {
			return nil, fmt.Errorf("client %s references unknown plan %q", c.ID, c.Plan)
		}
	}
	return &catalog, nil
}

// Plan returns a plan by name
func (c *Catalog) Plan(name string) (*model.Plan, bool) {
	for i := range c.Plans {
		if c.Plans[i].Name == name {
			return &c.Plans[i], true
		}
	}
	return nil, false
}

// Client returns a client entry by id
func (c *Catalog) Client(id string) (*ClientCatalog, bool) {
	for i := range c.Clients {
		if c.Clients[i].ID == id {
			return &c.Clients[i], true
		}
	}
	return nil, false
}
