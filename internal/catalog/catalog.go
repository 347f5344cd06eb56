package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dataset describes one upstream table: its remote identifier, the columns we
// project, the total-order key used for deterministic pagination, and whether
// the table is large enough to split into key-prefix shards.
type Dataset struct {
	Name     string   `yaml:"name"`      // local name, also the partition directory
	RemoteID string   `yaml:"remote_id"` // upstream resource identifier
	OrderKey string   `yaml:"order_key"` // stable unique sort key for paging
	Columns  []string `yaml:"columns"`   // projected columns, order defines segment layout
	Where    string   `yaml:"where"`     // optional server-side row filter
	Sharded  bool     `yaml:"sharded"`   // split into key-prefix partitions

	// LookbackColumn, when set, names a YYYYMMDD date column the fetcher may
	// constrain to a recent window instead of pulling full history.
	LookbackColumn string `yaml:"lookback_column"`
}

// Catalog holds the loaded dataset definitions keyed by local name.
type Catalog struct {
	dir      string
	datasets map[string]Dataset
}

// Load reads every *.yaml file in dir, one dataset per file, and validates
// the definitions. An empty or missing directory is an error: the pipeline
// cannot run without datasets.
func Load(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset catalog dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset catalog path %q is not a directory", dir)
	}

	c := &Catalog{
		dir:      dir,
		datasets: make(map[string]Dataset),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading dataset catalog dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading dataset file %s: %w", path, err)
		}

		var ds Dataset
		if err := yaml.Unmarshal(data, &ds); err != nil {
			return nil, fmt.Errorf("parsing dataset file %s: %w", path, err)
		}
		if ds.Name == "" {
			continue // skip empty / comment-only files
		}

		if err := validate(ds); err != nil {
			return nil, fmt.Errorf("dataset file %s: %w", path, err)
		}
		if _, exists := c.datasets[ds.Name]; exists {
			return nil, fmt.Errorf("duplicate dataset name %q (file %s)", ds.Name, path)
		}

		c.datasets[ds.Name] = ds
	}

	if len(c.datasets) == 0 {
		return nil, fmt.Errorf("no dataset definitions found in %s", dir)
	}

	return c, nil
}

func validate(ds Dataset) error {
	if ds.RemoteID == "" {
		return fmt.Errorf("dataset %q: remote_id must not be empty", ds.Name)
	}
	if ds.OrderKey == "" {
		return fmt.Errorf("dataset %q: order_key must not be empty", ds.Name)
	}
	if len(ds.Columns) == 0 {
		return fmt.Errorf("dataset %q: columns must not be empty", ds.Name)
	}
	seen := make(map[string]struct{}, len(ds.Columns))
	hasOrderKey := false
	for _, col := range ds.Columns {
		if col == "" {
			return fmt.Errorf("dataset %q: empty column name", ds.Name)
		}
		if _, dup := seen[col]; dup {
			return fmt.Errorf("dataset %q: duplicate column %q", ds.Name, col)
		}
		seen[col] = struct{}{}
		if col == ds.OrderKey {
			hasOrderKey = true
		}
	}
	if !hasOrderKey {
		return fmt.Errorf("dataset %q: order_key %q must appear in columns", ds.Name, ds.OrderKey)
	}
	return nil
}

// Get returns the dataset with the given local name.
func (c *Catalog) Get(name string) (Dataset, error) {
	ds, ok := c.datasets[name]
	if !ok {
		return Dataset{}, fmt.Errorf("unknown dataset %q", name)
	}
	return ds, nil
}

// List returns all datasets sorted by name for deterministic planning.
func (c *Catalog) List() []Dataset {
	out := make([]Dataset, 0, len(c.datasets))
	for _, ds := range c.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of loaded datasets.
func (c *Catalog) Len() int {
	return len(c.datasets)
}
