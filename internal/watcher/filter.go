package watcher

import (
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmehdipour/incident-relay/internal/util"
)

// Filter holds the admission rules. Empty allow-lists admit everything.
type Filter struct {
	MinMagnitude float64
	categories   map[string]struct{}
	chains       map[string]struct{}
}

func NewFilter(cfg config.WatcherConfig) Filter {
	f := Filter{MinMagnitude: cfg.MinMagnitude}
	if len(cfg.AllowedCategories) > 0 {
		f.categories = make(map[string]struct{}, len(cfg.AllowedCategories))
		for _, c := range cfg.AllowedCategories {
			f.categories[util.NormalizeLabel(c)] = struct{}{}
		}
	}
	if len(cfg.AllowedChains) > 0 {
		f.chains = make(map[string]struct{}, len(cfg.AllowedChains))
		for _, c := range cfg.AllowedChains {
			f.chains[util.NormalizeChain(c)] = struct{}{}
		}
	}
	return f
}

// Admit reports whether ev passes and, if not, which rule rejected it.
func (f Filter) Admit(ev model.Event) (bool, string) {
	if ev.Magnitude < f.MinMagnitude {
		return false, "magnitude"
	}
	if f.categories != nil {
		if _, ok := f.categories[util.NormalizeLabel(ev.Category)]; !ok {
			return false, "category"
		}
	}
	if f.chains != nil {
		if _, ok := f.chains[util.NormalizeChain(ev.Chain)]; !ok {
			return false, "chain"
		}
	}
	return true, ""
}
