// Package config loads runtime configuration from multiple sources (YAML or TOML
// files, environment variables, CLI flags) with precedence: CLI flags > config
// file > Environment variables > Defaults. It exposes strongly typed settings,
// including the cross-origin policy, to the rest of the application.
package config
