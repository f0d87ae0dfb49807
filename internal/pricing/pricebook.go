// Package pricing resolves per-model unit prices and turns unit counts into
// integer cost micros.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed pricebook.yaml
var embeddedPricebook []byte

// PricebookEntry is one static price. Prices are micros per million units.
type PricebookEntry struct {
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	InputPerMillion  int64  `yaml:"input_per_million"`
	OutputPerMillion int64  `yaml:"output_per_million"`
	Currency         string `yaml:"currency"`
}

type pricebookFile struct {
	Version string           `yaml:"version"`
	Rates   []PricebookEntry `yaml:"rates"`
}

// Pricebook is the static fallback table, keyed by "provider:model".
type Pricebook struct {
	version string
	entries map[string]PricebookEntry
}

func pricebookKey(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + strings.ToLower(strings.TrimSpace(model))
}

// DefaultPricebook returns the pricebook compiled into the binary.
func DefaultPricebook() *Pricebook {
	pb, err := ParsePricebook(embeddedPricebook)
	if err != nil {
		panic(fmt.Sprintf("embedded pricebook is invalid: %v", err))
	}
	return pb
}

// LoadPricebook reads a YAML pricebook from path.
func LoadPricebook(path string) (*Pricebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricebook: %w", err)
	}
	return ParsePricebook(data)
}

func ParsePricebook(data []byte) (*Pricebook, error) {
	var f pricebookFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pricebook: %w", err)
	}

	pb := &Pricebook{version: f.Version, entries: make(map[string]PricebookEntry, len(f.Rates))}
	for i, e := range f.Rates {
		if e.Provider == "" || e.Model == "" {
			return nil, fmt.Errorf("pricebook rate %d: provider and model are required", i)
		}
		if e.InputPerMillion < 0 || e.OutputPerMillion < 0 {
			return nil, fmt.Errorf("pricebook rate %s:%s: negative price", e.Provider, e.Model)
		}
		if e.Currency == "" {
			e.Currency = DefaultCurrency
		}
		key := pricebookKey(e.Provider, e.Model)
		if _, dup := pb.entries[key]; dup {
			return nil, fmt.Errorf("pricebook rate %s: duplicate entry", key)
		}
		pb.entries[key] = e
	}
	return pb, nil
}

func (p *Pricebook) Version() string { return p.version }

// Lookup is case-insensitive on both provider and model.
func (p *Pricebook) Lookup(provider, model string) (PricebookEntry, bool) {
	e, ok := p.entries[pricebookKey(provider, model)]
	return e, ok
}

// Entries returns every entry sorted by key.
func (p *Pricebook) Entries() []PricebookEntry {
	out := make([]PricebookEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return pricebookKey(out[i].Provider, out[i].Model) < pricebookKey(out[j].Provider, out[j].Model)
	})
	return out
}

// Models returns the models priced for provider.
func (p *Pricebook) Models(provider string) []string {
	var out []string
	for _, e := range p.Entries() {
		if strings.EqualFold(e.Provider, provider) {
			out = append(out, e.Model)
		}
	}
	return out
}
