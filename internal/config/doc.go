// Package config provides centralized configuration management for the
// AgentPay runtime. It loads the JSON daemon configuration, applies defaults
// for storage, chain, bundler and logging settings, and resolves relative
// paths against the configuration directory.
package config
