package connector

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-ai/aegis/internal/queryplan"
)

// SourceKind enumerates the supported adapter families.
type SourceKind string

const (
	KindPostgres SourceKind = "postgres"
	KindMySQL    SourceKind = "mysql"
	KindSupabase SourceKind = "supabase"
	KindSQLite   SourceKind = "sqlite"
	KindREST     SourceKind = "rest"
)

// DataSourceConfig declares one queryable source. Credentials are referenced
// by handle and resolved from the environment; they are never stored here.
type DataSourceConfig struct {
	Name            string           `yaml:"name"`
	Kind            SourceKind       `yaml:"kind"`
	Endpoint        string           `yaml:"endpoint"`
	CredentialsRef  string           `yaml:"credentials_ref,omitempty"`
	AllowTables     []string         `yaml:"allow_tables,omitempty"`
	DenyTables      []string         `yaml:"deny_tables,omitempty"`
	MaxRows         int              `yaml:"max_rows,omitempty"`
	MaxQueryMS      int              `yaml:"max_query_ms,omitempty"`
	MaxConnections  int              `yaml:"max_connections,omitempty"`
	SanitizeResults bool             `yaml:"sanitize_results"`
	RiskScanResults bool             `yaml:"risk_scan_results"`
	Schema          queryplan.Schema `yaml:"schema,omitempty"`
}

// Normalize fills defaults and validates the declaration.
func (c *DataSourceConfig) Normalize() error {
	if c.Name == "" {
		return fmt.Errorf("data source missing name")
	}
	switch c.Kind {
	case KindPostgres, KindMySQL, KindSupabase, KindSQLite, KindREST:
	default:
		return fmt.Errorf("data source %s: unknown kind %q", c.Name, c.Kind)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("data source %s: missing endpoint", c.Name)
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 100
	}
	if c.MaxQueryMS <= 0 {
		c.MaxQueryMS = 5000
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	return nil
}

// QueryDeadline is MaxQueryMS as a duration.
func (c *DataSourceConfig) QueryDeadline() time.Duration {
	return time.Duration(c.MaxQueryMS) * time.Millisecond
}

// Permissions projects the allow and deny lists for the query planner.
func (c *DataSourceConfig) Permissions() queryplan.Permissions {
	return queryplan.Permissions{AllowTables: c.AllowTables, DenyTables: c.DenyTables}
}

// TableDenied reports whether table is on the deny list.
func (c *DataSourceConfig) TableDenied(table string) bool {
	for _, t := range c.DenyTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// LoadConfigs reads data source declarations from a YAML file of the shape
//
//	sources:
//	  - name: orders
//	    kind: postgres
//	    ...
func LoadConfigs(path string) ([]DataSourceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading source config: %w", err)
	}
	var doc struct {
		Sources []DataSourceConfig `yaml:"sources"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing source config: %w", err)
	}
	for i := range doc.Sources {
		if err := doc.Sources[i].Normalize(); err != nil {
			return nil, err
		}
	}
	return doc.Sources, nil
}
