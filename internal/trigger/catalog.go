// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trigger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arbor-genomics/arbor/internal/graphdb"
)

// Catalog is the static, ordered rule set, loaded once per process
// lifetime. Order is kept for deterministic resource usage; correctness
// does not depend on it.
type Catalog struct {
	Definitions []Definition
}

type catalogDoc struct {
	Triggers []Definition `yaml:"triggers"`
}

// LoadCatalog parses a YAML catalog document and validates every rule.
func LoadCatalog(data []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing trigger catalog: %w", err)
	}
	c := &Catalog{Definitions: doc.Triggers}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalogFile reads the catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trigger catalog %s: %w", path, err)
	}
	c, err := LoadCatalog(data)
	if err != nil {
		return nil, err
	}
	zap.S().Infof("Loaded %d trigger definitions from %s", len(c.Definitions), path)
	return c, nil
}

// Append adds built-in engine rules (join, dedup, lineage) to the loaded
// business rules.
func (c *Catalog) Append(defs ...Definition) *Catalog {
	c.Definitions = append(c.Definitions, defs...)
	return c
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Definitions))
	for i := range c.Definitions {
		d := &c.Definitions[i]
		if d.Name == "" {
			return fmt.Errorf("trigger %d has no name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate trigger name %q", d.Name)
		}
		seen[d.Name] = true
		if d.Topic == "" {
			return fmt.Errorf("trigger %q has no target topic", d.Name)
		}
		if d.Query == "" && d.Cypher == "" {
			return fmt.Errorf("trigger %q has neither a query name nor cypher", d.Name)
		}
		if d.Query != "" {
			if _, ok := graphdb.Lookup(d.Query); !ok {
				return fmt.Errorf("trigger %q references unknown query %q", d.Name, d.Query)
			}
		}
	}
	return nil
}
