package llm

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrUnknownProfile = errors.New("unknown model backend profile")

// Profile names a configured backend. APIKeyEnv is read at resolve time so keys
// never live in the profiles file.
type Profile struct {
	Name         string        `yaml:"name"`
	Protocol     Protocol      `yaml:"protocol"`
	BaseURL      string        `yaml:"base_url"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTokens    int           `yaml:"max_tokens"`
}

type profilesFile struct {
	Default  string    `yaml:"default"`
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads a YAML profiles file. An empty path yields a single mock
// profile.
func LoadProfiles(path string) ([]Profile, string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return []Profile{{Name: "mock", Protocol: ProtocolMock}}, "mock", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read backend profiles: %w", err)
	}
	return ParseProfiles(raw)
}

func ParseProfiles(raw []byte) ([]Profile, string, error) {
	var file profilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, "", fmt.Errorf("parse backend profiles: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, "", errors.New("backend profiles file defines no profiles")
	}
	seen := make(map[string]bool, len(file.Profiles))
	for i := range file.Profiles {
		p := &file.Profiles[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Protocol = normalizeProtocol(p.Protocol)
		if p.Name == "" {
			return nil, "", fmt.Errorf("backend profile %d has no name", i)
		}
		if p.Protocol == "" {
			return nil, "", fmt.Errorf("backend profile %q has no protocol", p.Name)
		}
		if seen[p.Name] {
			return nil, "", fmt.Errorf("duplicate backend profile %q", p.Name)
		}
		seen[p.Name] = true
	}
	def := strings.TrimSpace(file.Default)
	if def == "" {
		def = file.Profiles[0].Name
	}
	if !seen[def] {
		return nil, "", fmt.Errorf("default backend profile %q is not defined", def)
	}
	return file.Profiles, def, nil
}

// Catalog resolves profile names to backends through a Selector and caches the
// result. Unknown protocols surface when a profile is first used.
type Catalog struct {
	selector *Selector
	profiles map[string]Profile
	def      string
	getenv   func(string) string

	mu       sync.Mutex
	backends map[string]Backend
}

func NewCatalog(selector *Selector, profiles []Profile, defaultProfile string) *Catalog {
	byName := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &Catalog{
		selector: selector,
		profiles: byName,
		def:      defaultProfile,
		getenv:   os.Getenv,
		backends: make(map[string]Backend),
	}
}

// Backend returns the backend for a profile name or, when name is empty, the
// default profile.
func (c *Catalog) Backend(name string) (Backend, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.def
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[name]; ok {
		return b, nil
	}
	p, ok := c.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	cfg := ProviderConfig{
		BaseURL:      p.BaseURL,
		DefaultModel: p.DefaultModel,
		Timeout:      p.Timeout,
		MaxTokens:    p.MaxTokens,
	}
	if p.APIKeyEnv != "" {
		cfg.APIKey = c.getenv(p.APIKeyEnv)
	}
	b, err := c.selector.Resolve(p.Protocol, cfg)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	c.backends[name] = b
	return b, nil
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
