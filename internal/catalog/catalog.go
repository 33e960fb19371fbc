// Package catalog loads the derivation status catalog and its transition
// rules from an embedded YAML document. Statuses are data, not code: the
// lifecycle engine consults the catalog for terminal/success flags and
// allowed transitions instead of hardcoding them.
package catalog

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/nixfleet/orchestrator/internal/models"
)

//go:embed statuses.yaml
var statusesYAML []byte

type statusSpec struct {
	Name         string `yaml:"name"`
	DisplayOrder int    `yaml:"display_order"`
	IsTerminal   bool   `yaml:"is_terminal"`
	IsSuccess    bool   `yaml:"is_success"`
}

type catalogSpec struct {
	Statuses    []statusSpec        `yaml:"statuses"`
	Transitions map[string][]string `yaml:"transitions"`
}

// Catalog is the parsed status catalog.
type Catalog struct {
	ordered     []*models.DerivationStatus
	byName      map[string]*models.DerivationStatus
	transitions map[string][]string
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	return parse(statusesYAML)
}

func parse(data []byte) (*Catalog, error) {
	var spec catalogSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing status catalog: %w", err)
	}
	if len(spec.Statuses) == 0 {
		return nil, fmt.Errorf("status catalog is empty")
	}

	c := &Catalog{
		byName:      make(map[string]*models.DerivationStatus, len(spec.Statuses)),
		transitions: spec.Transitions,
	}

	for i, s := range spec.Statuses {
		if s.Name == "" {
			return nil, fmt.Errorf("status at index %d has no name", i)
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate status %q", s.Name)
		}
		status := &models.DerivationStatus{
			ID:           i + 1,
			Name:         s.Name,
			DisplayOrder: s.DisplayOrder,
			IsTerminal:   s.IsTerminal,
			IsSuccess:    s.IsSuccess,
		}
		c.ordered = append(c.ordered, status)
		c.byName[s.Name] = status
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// validate checks the transition table against the status set.
func (c *Catalog) validate() error {
	for from, targets := range c.transitions {
		src, ok := c.byName[from]
		if !ok {
			return fmt.Errorf("transition source %q is not in the catalog", from)
		}
		if src.IsTerminal {
			return fmt.Errorf("terminal status %q must not have outgoing transitions", from)
		}
		for _, to := range targets {
			if _, ok := c.byName[to]; !ok {
				return fmt.Errorf("transition target %q (from %q) is not in the catalog", to, from)
			}
		}
	}
	return nil
}

// Statuses returns all statuses in catalog order.
func (c *Catalog) Statuses() []*models.DerivationStatus {
	return c.ordered
}

// Get returns the status with the given name.
func (c *Catalog) Get(name string) (*models.DerivationStatus, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// IsTerminal reports whether the named status is terminal. Unknown names
// are treated as terminal so no automatic transition is ever applied to them.
func (c *Catalog) IsTerminal(name string) bool {
	s, ok := c.byName[name]
	if !ok {
		return true
	}
	return s.IsTerminal
}

// IsSuccess reports whether the named status is a successful terminal state.
func (c *Catalog) IsSuccess(name string) bool {
	s, ok := c.byName[name]
	return ok && s.IsSuccess
}

// CanTransition reports whether the catalog allows moving from one status
// to another.
func (c *Catalog) CanTransition(from, to string) bool {
	for _, target := range c.transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// NonTerminal returns the names of all non-terminal statuses.
func (c *Catalog) NonTerminal() []string {
	var names []string
	for _, s := range c.ordered {
		if !s.IsTerminal {
			names = append(names, s.Name)
		}
	}
	return names
}
