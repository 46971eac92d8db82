// Package config loads process configuration with Viper.
//
// A YAML file is looked up next to the command (./cmd/<name>/config.yml),
// then under ./config, then in the working directory. A .env file is loaded
// with godotenv, and every field can be overridden from the environment:
//
//	var cfg Config
//	err := config.LoadConfig("registrar", &cfg)
//
// DISCOVERY_PROVIDER=etcd overrides discovery.provider from the file.
package config
