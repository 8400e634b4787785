package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// GasPrices bundles the EIP-1559 fee fields returned by a provider.
type GasPrices struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// StateProvider defines the read-only chain interactions the operation
// builder depends on. Implementations must not mutate any wallet state.
type StateProvider interface {
	// GetNonce returns the smart wallet's next operation nonce.
	GetNonce(ctx context.Context, wallet common.Address) (uint64, error)
	// EstimateGas estimates the gas required for the wallet to execute
	// the given call data against the target contract.
	EstimateGas(ctx context.Context, wallet, target common.Address, data []byte, value *big.Int) (uint64, error)
	// GetGasPrices returns the current fee market suggestion.
	GetGasPrices(ctx context.Context) (GasPrices, error)
	// ChainID reports the identifier of the connected network.
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}
