// Package config handles loading and validating itag2mqttd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of device addresses and connection settings
//   - Default value handling
//
// Configuration is loaded once at startup and is immutable afterwards; the
// daemon has no runtime reconfiguration path.
//
// Security Considerations:
//   - Broker passwords, InfluxDB tokens and the API JWT secret should be set via
//     environment variables rather than the file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("/etc/itag2mqttd/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.Address)
//	}
package config
