// Package registry holds the process-wide mapping from provider name to
// adapter instance, built once from configuration at startup.
package registry

import (
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/sitscholl/MeteoService/pkg/provider"
	"github.com/sitscholl/MeteoService/pkg/provider/geosphere"
	"github.com/sitscholl/MeteoService/pkg/provider/openmeteo"
	"github.com/sitscholl/MeteoService/pkg/provider/province"
)

// ErrUnknownProvider is returned on a lookup miss.
var ErrUnknownProvider = errors.New("unknown provider")

type Registry struct {
	providers map[string]provider.Provider
}

// New constructs every enabled adapter from its config block. Lookup is
// case-insensitive; there is no dynamic registration after startup.
func New(cfgs map[string]provider.Config, logger log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{providers: map[string]provider.Provider{}}

	for name, cfg := range cfgs {
		if !cfg.Enabled {
			level.Info(logger).Log("msg", "provider disabled", "provider", name)
			continue
		}

		var (
			p   provider.Provider
			err error
		)
		switch strings.ToLower(name) {
		case province.Name:
			p, err = province.New(cfg, logger)
		case openmeteo.Name:
			p, err = openmeteo.New(cfg, logger)
		case geosphere.Name:
			p, err = geosphere.New(cfg, logger)
		default:
			return nil, errors.Wrapf(ErrUnknownProvider, "no adapter for configured provider %q", name)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "building provider %s", name)
		}

		r.providers[strings.ToLower(name)] = p
		level.Info(logger).Log("msg", "provider registered", "provider", name, "freq", p.Descriptor().Freq, "can_forecast", p.Descriptor().CanForecast)
	}

	return r, nil
}

func (r *Registry) Get(name string) (provider.Provider, error) {
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, errors.Wrap(ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
