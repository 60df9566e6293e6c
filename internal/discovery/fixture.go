package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/resilience"
)

// Fixture is one canned answer. Zero SourceID and empty SearchParams match
// any request.
type Fixture struct {
	EntityType   model.EntityType         `yaml:"entity_type"`
	SourceID     int64                    `yaml:"source_id"`
	SearchParams string                   `yaml:"search_params"`
	Error        string                   `yaml:"error"`
	Transient    bool                     `yaml:"transient"`
	Records      []model.DiscoveredRecord `yaml:"records"`
}

func (f *Fixture) matches(et model.EntityType, params string, sourceID int64) bool {
	if f.EntityType != et {
		return false
	}
	if f.SourceID != 0 && f.SourceID != sourceID {
		return false
	}
	return f.SearchParams == "" || f.SearchParams == params
}

// FixtureCollaborator answers from YAML files for offline runs and demos.
type FixtureCollaborator struct {
	fixtures []Fixture
}

// NewFixtureCollaborator loads every *.yaml and *.yml file in dir. Each file
// holds a list of fixtures.
func NewFixtureCollaborator(dir string) (*FixtureCollaborator, error) {
	if dir == "" {
		return nil, eris.New("discovery: fixture_dir is required in fixture mode")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: read fixture dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	c := &FixtureCollaborator{}
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, eris.Wrapf(err, "discovery: read fixture %s", name)
		}
		var fs []Fixture
		if err := yaml.Unmarshal(raw, &fs); err != nil {
			return nil, eris.Wrapf(err, "discovery: parse fixture %s", name)
		}
		c.fixtures = append(c.fixtures, fs...)
	}
	return c, nil
}

// NewFixtures builds a collaborator from in-memory fixtures.
func NewFixtures(fs ...Fixture) *FixtureCollaborator {
	return &FixtureCollaborator{fixtures: fs}
}

// Discover returns the records of the first fixture matching the request, or
// no records when none matches.
func (c *FixtureCollaborator) Discover(ctx context.Context, entityType model.EntityType, searchParams string, sourceID int64) ([]model.DiscoveredRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range c.fixtures {
		f := &c.fixtures[i]
		if !f.matches(entityType, searchParams, sourceID) {
			continue
		}
		if f.Error != "" {
			err := eris.New(f.Error)
			if f.Transient {
				return nil, resilience.NewTransientError(err, 0)
			}
			return nil, err
		}
		out := make([]model.DiscoveredRecord, len(f.Records))
		for j, r := range f.Records {
			if r.EntityType == "" {
				r.EntityType = entityType
			}
			out[j] = r
		}
		return out, nil
	}
	return nil, nil
}
