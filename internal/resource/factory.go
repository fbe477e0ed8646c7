package resource

import (
	"fmt"

	"keep/internal/config"
	"keep/internal/keep"
)

// NewSourceFromConfig creates the ResourceSource for one configured resource.
func NewSourceFromConfig(cfg config.ResourceConfig) (keep.ResourceSource, error) {
	required := !cfg.Optional
	switch cfg.Kind {
	case keep.KindFile:
		return NewFileSource(cfg.Name, cfg.Path, required), nil
	case keep.KindDir:
		return NewDirSource(cfg.Name, cfg.Path, required, cfg.Ignore), nil
	case keep.KindSQLite:
		return NewSQLiteSource(cfg.Name, cfg.Path, required), nil
	default:
		return nil, fmt.Errorf("resource %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// NewSourcesFromConfig creates every configured resource, in order.
func NewSourcesFromConfig(cfgs []config.ResourceConfig) ([]keep.ResourceSource, error) {
	sources := make([]keep.ResourceSource, 0, len(cfgs))
	for _, c := range cfgs {
		src, err := NewSourceFromConfig(c)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
