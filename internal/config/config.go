// Package config handles loading and validation of ferry.yaml and the
// project catalog files it points at.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "ferry.yaml"

// Load reads, expands and validates ferry.yaml from the given directory.
// Relative project directories are resolved against dir.
func Load(dir string) (*types.Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg types.Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	for i, d := range cfg.ProjectDirs {
		if !filepath.IsAbs(d) {
			cfg.ProjectDirs[i] = filepath.Join(dir, d)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *types.Config) error {
	switch cfg.Provider {
	case "":
		return fmt.Errorf("provider is required")
	case "postgres":
		if cfg.Postgres == nil || cfg.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required when provider is postgres")
		}
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	if q := cfg.Queue; q != nil {
		switch q.Store {
		case "", "memory":
		case "redis":
			if q.Redis == nil || q.Redis.Addr == "" {
				return fmt.Errorf("queue.redis.addr is required when queue.store is redis")
			}
		default:
			return fmt.Errorf("unknown queue store %q", q.Store)
		}
		if q.Concurrency < 0 {
			return fmt.Errorf("queue.concurrency must not be negative")
		}
		if rl := q.RateLimit; rl != nil {
			if rl.Max <= 0 {
				return fmt.Errorf("queue.rateLimit.max must be positive")
			}
			if _, err := time.ParseDuration(rl.Duration); err != nil {
				return fmt.Errorf("queue.rateLimit.duration: %w", err)
			}
		}
	}

	if store := cfg.ObjectStore; store != nil && store.Bucket == "" {
		return fmt.Errorf("objectStore.bucket is required")
	}
	if len(cfg.ProjectDirs) == 0 {
		return fmt.Errorf("at least one projectDir is required")
	}

	for i, a := range cfg.Alerts {
		switch a.Type {
		case types.AlertConsole:
		case types.AlertWebhook:
			if a.URL == "" {
				return fmt.Errorf("alerts[%d]: webhook url is required", i)
			}
		case types.AlertFile:
			if a.Path == "" {
				return fmt.Errorf("alerts[%d]: file path is required", i)
			}
		case types.AlertS3:
			if cfg.ObjectStore == nil {
				return fmt.Errorf("alerts[%d]: s3 alerts need objectStore", i)
			}
		default:
			return fmt.Errorf("alerts[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}

// RateWindow returns the parsed rate limit window, or zero when unset.
func RateWindow(q *types.QueueConfig) time.Duration {
	if q == nil || q.RateLimit == nil {
		return 0
	}
	d, _ := time.ParseDuration(q.RateLimit.Duration)
	return d
}

// LoadProjects reads every project YAML file in dirs. Project ids must be
// unique across all directories.
func LoadProjects(dirs []string) ([]types.Project, error) {
	seen := map[string]string{}
	var out []types.Project
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("reading project dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			path := filepath.Join(dir, name)
			p, err := LoadProject(path)
			if err != nil {
				return nil, fmt.Errorf("loading project %s: %w", path, err)
			}
			if prev, dup := seen[p.ID]; dup {
				return nil, fmt.Errorf("project %q defined in both %s and %s", p.ID, prev, path)
			}
			seen[p.ID] = path
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadProject reads a single project file. Connection secrets may be
// given as ${VAR} references.
func LoadProject(path string) (*types.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	var p types.Project
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &p); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if p.Source.Engine == "" {
		return nil, fmt.Errorf("project %s: source.engine is required", p.ID)
	}
	if len(p.Tables) == 0 {
		return nil, fmt.Errorf("project %s: at least one table mapping is required", p.ID)
	}
	if p.Target.Engine == "" {
		p.Target.Engine = types.EnginePostgres
	}
	return &p, nil
}
