// Package config loads service configuration from the process environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Prefix namespaces every environment variable read by ParseEnv.
const Prefix = "VERNITE_"

// ParseEnv loads configuration from environment variables.
//
// Struct tags name variables without the shared prefix, so `env:"HTTP_ADDR"`
// reads VERNITE_HTTP_ADDR.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: Prefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
