package provider

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// Factory builds a provider from its config settings map.
type Factory func(ctx context.Context, settings map[string]any) (Port, error)

// factories holds registered provider factories, keyed by the config
// `type` value. Concrete providers register themselves at init.
var factories = make(map[string]Factory)

// RegisterFactory registers a provider factory.
func RegisterFactory(typ string, f Factory) {
	factories[typ] = f
}

// RegisteredTypes returns the known provider types, sorted.
func RegisteredTypes() []string {
	out := make([]string, 0, len(factories))
	for typ := range factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Spec is one provider's configuration: its factory type and the
// type-specific settings decoded by the factory.
type Spec struct {
	Type     string
	Settings map[string]any
}

// NewRegistryFromConfig builds each configured provider and wraps them
// in a registry. At least one provider must be configured.
func NewRegistryFromConfig(ctx context.Context, specs []Spec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, errors.New("no providers configured")
	}
	var ports []Port
	for i, spec := range specs {
		factory, ok := factories[spec.Type]
		if !ok {
			return nil, errors.Newf("unsupported provider type: %s (provider index %d)", spec.Type, i)
		}
		p, err := factory(ctx, spec.Settings)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider (index %d, type %s)", i, spec.Type)
		}
		zlog.Info().Msgf("registered provider: index=%d type=%s name=%s", i+1, spec.Type, p.Name())
		ports = append(ports, p)
	}
	return NewRegistry(ports...), nil
}
