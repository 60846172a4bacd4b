package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sources lists where a configuration is assembled from. Files are applied
// in order on top of the defaults, then each override. A later source only
// changes the keys it names; lists it names are replaced, not merged.
type Sources struct {
	Files []string
	// Overrides are "section.key=value" settings, e.g. "cache.ttl=0" or
	// "direct.servers=[9.9.9.9, 1.1.1.1]". The value is read as YAML.
	Overrides []string
}

// SourceError records a source that was skipped while loading.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Load builds the configuration. A source that cannot be read, decoded or
// that leaves the configuration invalid is skipped and reported in skipped;
// the returned configuration is always usable.
func (s Sources) Load() (cfg *Config, skipped []*SourceError) {
	cfg = LoadWithDefaults()
	cfg.normalize()

	for _, path := range s.Files {
		next, err := loadFile(cfg, path)
		if err != nil {
			skipped = append(skipped, &SourceError{Source: path, Err: err})
			continue
		}
		cfg = next
	}

	for _, o := range s.Overrides {
		next, err := applyOverride(cfg, o)
		if err != nil {
			skipped = append(skipped, &SourceError{Source: "--set " + o, Err: err})
			continue
		}
		cfg = next
	}

	return cfg, skipped
}

func loadFile(base *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return layer(base, data, false)
}

// applyOverride turns "a.b=v" into the document {a: {b: v}} and layers it.
// Unknown keys are rejected so a typo is reported instead of ignored.
func applyOverride(base *Config, setting string) (*Config, error) {
	key, raw, ok := strings.Cut(setting, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return nil, fmt.Errorf("override must be key=value")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	value := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}
	if len(doc.Content) > 0 {
		value = doc.Content[0]
	}

	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "" {
			return nil, fmt.Errorf("invalid key %q", key)
		}
		value = &yaml.Node{
			Kind:    yaml.MappingNode,
			Content: []*yaml.Node{{Kind: yaml.ScalarNode, Value: parts[i]}, value},
		}
	}

	data, err := yaml.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode override: %w", err)
	}
	return layer(base, data, true)
}

// layer decodes data over a copy of base. base is left untouched when any
// step fails. Decoding replaces slices instead of writing into them, so the
// shallow copy never aliases base's lists.
func layer(base *Config, data []byte, strict bool) (*Config, error) {
	next := *base

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(&next); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	next.normalize()
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &next, nil
}
