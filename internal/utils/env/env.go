package env

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"strings"

	"github.com/slok/sbxd/internal/model"
)

var envKeyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseSpecs parses KEY=VALUE specs, a bare KEY takes its value from the current process environment.
func ParseSpecs(specs []string) (map[string]string, error) {
	env := make(map[string]string, len(specs))

	for _, spec := range specs {
		if spec == "" {
			return nil, fmt.Errorf("environment variable spec cannot be empty: %w", model.ErrNotValid)
		}

		if key, value, ok := strings.Cut(spec, "="); ok {
			if !isValidKey(key) {
				return nil, fmt.Errorf("invalid environment variable key %q: %w", key, model.ErrNotValid)
			}

			env[key] = value
			continue
		}

		if !isValidKey(spec) {
			return nil, fmt.Errorf("invalid environment variable key %q: %w", spec, model.ErrNotValid)
		}

		value, ok := os.LookupEnv(spec)
		if !ok {
			return nil, fmt.Errorf("environment variable %q is not set: %w", spec, model.ErrNotValid)
		}

		env[spec] = value
	}

	return env, nil
}

// Apply returns the result of updating base with update.
// Merge overlays update on base and removes the keys with an empty value, replace returns update.
// base is never modified.
func Apply(base, update map[string]string, mode model.EnvUpdateMode) (map[string]string, error) {
	for k := range update {
		if !isValidKey(k) {
			return nil, fmt.Errorf("invalid environment variable key %q: %w", k, model.ErrNotValid)
		}
	}

	switch mode {
	case model.EnvUpdateReplace:
		res := maps.Clone(update)
		if res == nil {
			res = map[string]string{}
		}
		return res, nil
	case model.EnvUpdateMerge, "":
		res := make(map[string]string, len(base)+len(update))
		maps.Copy(res, base)
		for k, v := range update {
			if v == "" {
				delete(res, k)
				continue
			}
			res[k] = v
		}
		return res, nil
	}

	return nil, fmt.Errorf("unknown environment update mode %q: %w", mode, model.ErrNotValid)
}

func isValidKey(k string) bool {
	return envKeyRegexp.MatchString(k)
}
