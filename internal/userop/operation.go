package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 协议默认的 gas 参数，除非链上预估给出更高的值。
const (
	DefaultVerificationGasLimit = 100_000
	DefaultPreVerificationGas   = 21_000
)

// Operation 是一次链上调用的可签名描述，按 ERC-4337 UserOperation 的
// 字段组织。它只在单次执行路径内存活：构造一次、签名一次、提交一次。
type Operation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         uint64         `json:"callGasLimit"`
	VerificationGasLimit uint64         `json:"verificationGasLimit"`
	PreVerificationGas   uint64         `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

// Signed 判断操作是否已携带签名。
func (op *Operation) Signed() bool {
	return op != nil && len(op.Signature) > 0
}

// RPCFormat 把操作转换为 bundler JSON-RPC 约定的十六进制字段形式。
func (op *Operation) RPCFormat() map[string]any {
	if op == nil {
		return nil
	}
	nonce := op.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	maxFee := op.MaxFeePerGas
	if maxFee == nil {
		maxFee = new(big.Int)
	}
	maxPriority := op.MaxPriorityFeePerGas
	if maxPriority == nil {
		maxPriority = new(big.Int)
	}
	return map[string]any{
		"sender":               op.Sender.Hex(),
		"nonce":                hexutil.EncodeBig(nonce),
		"initCode":             hexutil.Encode(op.InitCode),
		"callData":             hexutil.Encode(op.CallData),
		"callGasLimit":         hexutil.EncodeUint64(op.CallGasLimit),
		"verificationGasLimit": hexutil.EncodeUint64(op.VerificationGasLimit),
		"preVerificationGas":   hexutil.EncodeUint64(op.PreVerificationGas),
		"maxFeePerGas":         hexutil.EncodeBig(maxFee),
		"maxPriorityFeePerGas": hexutil.EncodeBig(maxPriority),
		"paymasterAndData":     hexutil.Encode(op.PaymasterAndData),
		"signature":            hexutil.Encode(op.Signature),
	}
}
