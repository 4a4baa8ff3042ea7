// Package config handles loading and validating envoy-ingest configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with ENVOY_INGEST_* environment variables
//   - Validation per binary (ValidateIngest, ValidateMinter)
//   - Default value handling
//
// Security Considerations:
//   - Tokens (device, InfluxDB, minter admin) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - Use Config.Redacted before logging a configuration
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.ValidateIngest(); err != nil {
//	    return err
//	}
package config
