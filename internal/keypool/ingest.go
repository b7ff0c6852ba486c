package keypool

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/openanonymity/veil/internal/secret"
)

// keyEntry is one (provider, model, secret) triple from a key file.
type keyEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

type keyFile struct {
	Keys []keyEntry `yaml:"keys"`
}

// ReloadKeys ingests a CSV or YAML key file: each secret is written to the
// secret store under a fresh uuid and the pool for every (provider, model)
// seen in the file is replaced wholesale. Returns "provider:model" -> count.
// In-flight sessions keep working as long as their bound key survived.
func (m *Manager) ReloadKeys(ctx context.Context, path string) (map[string]int, error) {
	entries, err := parseKeyFile(path)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("key file %s: no keys", path)
	}

	pools := make(map[string][]string)
	for _, e := range entries {
		id := uuid.New().String()
		if err := m.secrets.Write(ctx, secret.KeyPath(e.Provider, e.Model, id), e.APIKey); err != nil {
			return nil, fmt.Errorf("store key for %s/%s: %w", e.Provider, e.Model, err)
		}
		pool := e.Provider + ":" + e.Model
		pools[pool] = append(pools[pool], id)
	}

	counts := make(map[string]int, len(pools))
	for pool, ids := range pools {
		provider, model, _ := strings.Cut(pool, ":")
		if err := m.store.ReplacePool(ctx, provider, model, ids); err != nil {
			return nil, fmt.Errorf("replace pool %s: %w", pool, err)
		}
		counts[pool] = len(ids)
		m.logger.LogAttrs(ctx, slog.LevelInfo, "pool reloaded",
			slog.String("pool", pool),
			slog.Int("keys", len(ids)))
	}
	return counts, nil
}

func parseKeyFile(path string) ([]keyEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseCSVKeys(data)
	case ".yaml", ".yml":
		return parseYAMLKeys(data)
	default:
		return nil, fmt.Errorf("key file %s: unsupported format", path)
	}
}

// parseCSVKeys expects a header row "provider,model,api_key".
func parseCSVKeys(data []byte) ([]keyEntry, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("key csv: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, want := range []string{"provider", "model", "api_key"} {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("key csv: missing column %q", want)
		}
	}

	var out []keyEntry
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("key csv: %w", err)
		}
		e := keyEntry{
			Provider: strings.TrimSpace(rec[col["provider"]]),
			Model:    strings.TrimSpace(rec[col["model"]]),
			APIKey:   strings.TrimSpace(rec[col["api_key"]]),
		}
		if err := e.validate(); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func parseYAMLKeys(data []byte) ([]keyEntry, error) {
	var f keyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("key yaml: %w", err)
	}
	for _, e := range f.Keys {
		if err := e.validate(); err != nil {
			return nil, err
		}
	}
	return f.Keys, nil
}

func (e keyEntry) validate() error {
	if e.Provider == "" || e.Model == "" || e.APIKey == "" {
		return fmt.Errorf("key entry %s/%s: provider, model and api_key are all required", e.Provider, e.Model)
	}
	return nil
}
