package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeWalker overlays the files named by "includes:" onto a Config,
// depth first, in the order they are listed. Each file may only be visited
// once per load.
type includeWalker struct {
	seen map[string]struct{}
}

func newIncludeWalker(root string) *includeWalker {
	return &includeWalker{seen: map[string]struct{}{root: {}}}
}

// expand applies every include of cfg, resolved against dir. Included files
// are unmarshalled onto cfg, so later files override earlier ones.
func (w *includeWalker) expand(cfg *Config, dir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		files, err := includeFiles(dir, pattern)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := w.overlay(cfg, f, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *includeWalker) overlay(cfg *Config, file string, depth int) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("config includes: abs path %q: %w", file, err)
	}
	if _, ok := w.seen[abs]; ok {
		return fmt.Errorf("config includes: circular include of %q", abs)
	}
	w.seen[abs] = struct{}{}

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", abs, err)
	}
	if len(data) == 0 {
		return nil
	}

	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", abs, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return w.expand(cfg, filepath.Dir(abs), depth)
}

// includeFiles resolves pattern against dir. A glob that matches nothing
// yields no files; a literal path is returned as is so a missing file is
// reported when it is read. Paths may not leave dir.
func includeFiles(dir, pattern string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(dir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	slices.Sort(matches)
	return matches, nil
}
