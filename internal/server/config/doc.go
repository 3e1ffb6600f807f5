// Package config provides cmd/ddrqd's configuration structure and
// validation.
//
//   - spec.go: DDRQConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Business validation (required fields, directory creation, ranges)
//
// Configuration is loaded via internal/infra/confloader from a YAML
// file and DDRQ_ environment variables; ddrqd's -config flag names the
// file, and no other flag sets configuration values.
package config
