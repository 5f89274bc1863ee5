package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricewatch/internal/model"
)

// Catalog is the operator-maintained list of sources and the coins to
// watch. It is loaded once and passed into the registry and scheduler.
type Catalog struct {
	Sources   []model.Source    `yaml:"sources"`
	Watchlist []model.CoinQuery `yaml:"watchlist"`
}

// LoadCatalog reads and validates a catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML. Unknown fields are rejected so typos in
// operating parameters do not silently fall back to zero values.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, eris.Wrap(err, "config: decode catalog")
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks every source and watchlist entry.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if err := s.Validate(); err != nil {
			return eris.Wrap(err, "config: catalog")
		}
		if seen[s.ID] {
			return eris.Errorf("config: catalog: duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for i, q := range c.Watchlist {
		if _, err := q.Key(); err != nil {
			return eris.Wrapf(err, "config: catalog: watchlist[%d]", i)
		}
	}
	return nil
}
