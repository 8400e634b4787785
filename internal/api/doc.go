// Package api exposes external interfaces for issuing session keys,
// submitting delegated execution requests, and signing typed data. It hosts
// the REST server consumed by agent runtimes and operator tooling.
package api
