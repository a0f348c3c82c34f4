// Package config provides centralized configuration management for the
// codeactd runtime, merging a JSON configuration file, an optional .env file,
// and environment variable overrides. Validation happens at load time so that
// missing RPC endpoints or explorer credentials fail fast before any component
// starts.
package config
