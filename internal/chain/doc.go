// Package chain houses blockchain connectivity for the delegated execution
// engine: the read-only state provider abstraction used by the operation
// builder (nonce, gas estimation, fee suggestions) and the multi-chain
// registry loaded from YAML. Implementations for concrete networks live in
// subpackages.
package chain
