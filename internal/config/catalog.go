package config

import (
	"fmt"
	"os"
	"sort"

	"go.yaml.in/yaml/v3"
)

// Catalog maps provider names to the model tags offered for them. This is
// the explicit provider catalog handed to the driver factory; nothing
// self-registers.
type Catalog map[string][]string

// Models returns the catalog flattened into "provider/model" strings,
// sorted for deterministic iteration.
func (c Catalog) Models() []string {
	var out []string
	for provider, tags := range c {
		for _, tag := range tags {
			out = append(out, provider+"/"+tag)
		}
	}
	sort.Strings(out)
	return out
}

// catalogEntry accepts either a bare model string or a {tag: ...} mapping.
type catalogEntry struct {
	Tag string
}

func (e *catalogEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&e.Tag)
	case yaml.MappingNode:
		var m struct {
			Tag string `yaml:"tag"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		e.Tag = m.Tag
		return nil
	default:
		return fmt.Errorf("catalog entry: unexpected YAML node kind %d", node.Kind)
	}
}

// LoadCatalog reads the provider catalog file. Format:
//
//	OpenAI:
//	  - gpt-4o-mini
//	  - tag: gpt-4o
//	Anthropic:
//	  - claude-3-haiku-20240307
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	data = expandEnv(data)

	var raw map[string][]catalogEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}

	cat := make(Catalog, len(raw))
	for provider, entries := range raw {
		tags := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Tag == "" {
				return nil, fmt.Errorf("provider %q: catalog entry missing model tag", provider)
			}
			tags = append(tags, e.Tag)
		}
		cat[provider] = tags
	}
	return cat, nil
}
