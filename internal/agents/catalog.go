// Package agents resolves agent ids to the definitions the queue needs:
// which provider runs the agent and how long it may run.
package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/pkg/models"
)

// DefaultProvider runs agents whose definition names no provider.
const DefaultProvider = "claude"

// Definition describes a runnable agent
type Definition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Persona     string   `yaml:"persona,omitempty" json:"persona,omitempty"`
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Timeout     int      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// ProviderOrDefault returns the agent's provider, or DefaultProvider.
func (d *Definition) ProviderOrDefault() string {
	if d == nil || strings.TrimSpace(d.Provider) == "" {
		return DefaultProvider
	}
	return d.Provider
}

// TimeoutOrDefault returns the agent's timeout in seconds, or models.DefaultTaskTimeout.
func (d *Definition) TimeoutOrDefault() int {
	if d == nil || d.Timeout <= 0 {
		return models.DefaultTaskTimeout
	}
	return d.Timeout
}

// Catalog looks up agent definitions. Get returns an apperr.KindNotFound
// error for unknown agents.
type Catalog interface {
	Get(ctx context.Context, agentID string) (*Definition, error)
	List(ctx context.Context) ([]*Definition, error)
}

// StaticCatalog is a Catalog backed by YAML files.
type StaticCatalog struct {
	mu     sync.RWMutex
	agents map[string]*Definition
}

// NewStaticCatalog builds a catalog from in-memory definitions.
func NewStaticCatalog(defs ...*Definition) *StaticCatalog {
	c := &StaticCatalog{agents: make(map[string]*Definition)}
	for _, d := range defs {
		c.Register(d)
	}
	return c
}

// LoadCatalog reads path. A directory loads every *.yaml/*.yml file in it,
// each holding one definition; a file holds an `agents:` list.
func LoadCatalog(path string) (*StaticCatalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat agent catalog: %w", err)
	}
	c := NewStaticCatalog()
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read agent catalog: %w", err)
		}
		var file struct {
			Agents []*Definition `yaml:"agents"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse agent catalog: %w", err)
		}
		for _, d := range file.Agents {
			if err := c.add(d, path); err != nil {
				return nil, err
			}
		}
		return c, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent directory: %w", err)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		file := filepath.Join(path, e.Name())
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		var d Definition
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file, err)
		}
		if d.ID == "" {
			d.ID = strings.TrimSuffix(e.Name(), ext)
		}
		if err := c.add(&d, file); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *StaticCatalog) add(d *Definition, origin string) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("agent definition in %s has no id", origin)
	}
	c.Register(d)
	return nil
}

// Register adds or replaces a definition
func (c *StaticCatalog) Register(d *Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Name == "" {
		d.Name = d.ID
	}
	c.agents[d.ID] = d
}

func (c *StaticCatalog) Get(ctx context.Context, agentID string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.agents[agentID]
	if !ok {
		return nil, apperr.NotFound("agent %q not found", agentID)
	}
	cp := *d
	return &cp, nil
}

func (c *StaticCatalog) List(ctx context.Context) ([]*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Definition, 0, len(c.agents))
	for _, d := range c.agents {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
