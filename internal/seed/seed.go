// Package seed loads definitions, instances and access tables from a YAML
// file at start-up. Entries that already exist are left untouched, so the
// same file can be applied on every start.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentserver/agentserver/internal/access"
	"github.com/agentserver/agentserver/internal/instance"
	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/pkg/models"
)

// File is the seed document.
//
//	users:
//	  - name: alice
//	    definitions: [...]
//	    instances: [...]
//	    access:
//	      web: [{pattern: "*", allow: false}]
type File struct {
	Users []User `yaml:"users"`
}

type User struct {
	Name        string                         `yaml:"name"`
	Definitions []models.DefinitionSpec        `yaml:"definitions"`
	Instances   []models.InstanceSpec          `yaml:"instances"`
	Access      map[string][]models.AccessRule `yaml:"access"`
}

// Result counts what Apply created.
type Result struct {
	Definitions  int
	Instances    int
	AccessTables int
	Skipped      int
}

// Parse decodes a seed document.
func Parse(data []byte) (File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return File{}, fmt.Errorf("seed: payload is empty")
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("seed: decode: %w", err)
	}
	for i, u := range f.Users {
		if u.Name == "" {
			return File{}, fmt.Errorf("seed: user %d has no name", i)
		}
	}
	return f, nil
}

// Load reads and decodes a seed file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("seed: %s: %w", filepath.Clean(path), err)
	}
	return f, nil
}

// Apply creates every absent entry. Definitions go first so instances can
// reference them; instances are created in file order so a data source
// listed earlier can feed one listed later. The first failure stops.
func Apply(ctx context.Context, f File, reg *registry.Registry, m *instance.Manager, tables *access.Tables) (Result, error) {
	var res Result
	for _, u := range f.Users {
		for _, spec := range u.Definitions {
			if _, err := reg.Get(u.Name, spec.Name); err == nil {
				res.Skipped++
				continue
			} else if !isNotFound(err) {
				return res, err
			}
			if _, err := reg.Create(ctx, u.Name, spec); err != nil {
				return res, fmt.Errorf("seed definition %s/%s: %w", u.Name, spec.Name, err)
			}
			res.Definitions++
		}
	}
	for _, u := range f.Users {
		for _, spec := range u.Instances {
			if _, err := m.Get(u.Name, spec.Name); err == nil {
				res.Skipped++
				continue
			} else if !isNotFound(err) {
				return res, err
			}
			if _, err := m.Instantiate(ctx, u.Name, spec); err != nil {
				return res, fmt.Errorf("seed instance %s/%s: %w", u.Name, spec.Name, err)
			}
			res.Instances++
		}
		for kindName, rules := range u.Access {
			kind, err := access.ParseKind(kindName)
			if err != nil {
				return res, fmt.Errorf("seed access %s: %w", u.Name, err)
			}
			if len(tables.Get(u.Name, kind).Rules) > 0 {
				res.Skipped++
				continue
			}
			if _, err := tables.Set(ctx, u.Name, kind, rules); err != nil {
				return res, fmt.Errorf("seed access %s/%s: %w", u.Name, kind, err)
			}
			res.AccessTables++
		}
	}
	log.Info().
		Int("definitions", res.Definitions).
		Int("instances", res.Instances).
		Int("access_tables", res.AccessTables).
		Int("skipped", res.Skipped).
		Msg("Seed applied")
	return res, nil
}

func isNotFound(err error) bool {
	var nf *models.NotFoundError
	return errors.As(err, &nf)
}
