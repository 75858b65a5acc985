package config

import (
	"errors"

	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// mapProvider feeds an in-memory nested map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return map[string]any(m), nil
}

// WithOverrides returns a copy of c with the nested overrides applied on top,
// e.g. {"ui": {"cot": "hidden"}}. Keys not present keep their current value.
// The receiver is never modified.
func (c *Config) WithOverrides(overrides map[string]any) (*Config, error) {
	out := *c
	if len(overrides) == 0 {
		return &out, nil
	}

	k := koanf.New(".")
	if err := k.Load(mapProvider(overrides), nil); err != nil {
		return nil, domain.Wrap(domain.KindConfig, "load overrides", err)
	}
	// Profiles cannot redefine the profile list itself.
	k.Delete("chat_profiles")

	if err := k.Unmarshal("", &out); err != nil {
		return nil, domain.Wrap(domain.KindConfig, "apply overrides", err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}
