package config

import (
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, expands environment variables, merges
// the result over Default(), and validates the outcome. A missing file is
// not an error: the defaults are returned as-is, mirroring the teacher's
// "continue with defaults" tolerance for missing .env files.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(raw)

	var fromFile Config
	if err := yaml.Unmarshal(expanded, &fromFile); err != nil {
		return nil, NewLoadError(path, ErrInvalidYAML)
	}

	if err := mergo.Merge(cfg, fromFile, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
