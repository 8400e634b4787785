package userop

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/keyring"
)

// Signer 负责计算操作哈希并委托密钥环完成签名。
// entryPoint 与 chainID 参与哈希计算，保证签名与目标链绑定。
type Signer struct {
	keys       keyring.Signer
	entryPoint common.Address
	chainID    *big.Int
}

// NewSigner 构造操作签名器。
func NewSigner(keys keyring.Signer, entryPoint common.Address, chainID *big.Int) *Signer {
	return &Signer{keys: keys, entryPoint: entryPoint, chainID: chainID}
}

// OperationHash 计算操作的确定性哈希。相同字段必然得到相同哈希，
// 任一字段变化都会改变结果。
func (s *Signer) OperationHash(op *Operation) common.Hash {
	return OperationHash(op, s.entryPoint, s.chainID)
}

// SignOperation 对操作哈希签名并把签名写回操作。密钥材料缺失时
// 原样透传硬失败，绝不产出空签名。
func (s *Signer) SignOperation(ctx context.Context, signer common.Address, op *Operation) error {
	if s == nil || s.keys == nil {
		return keyring.ErrSigningKeyUnavailable
	}
	hash := s.OperationHash(op)
	sig, err := s.keys.Sign(ctx, signer, hash)
	if err != nil {
		if xerrors.CodeOf(err) == keyring.CodeSigningKeyUnavailable {
			return err
		}
		return xerrors.Wrap(xerrors.CodeSigningFailure, err, "操作签名失败")
	}
	op.Signature = sig
	return nil
}

// SignTypedData 对 EIP-712 类型化数据签名，返回签名与域分隔摘要。
// 该路径不经过操作构造器，供链下授权消息使用。
func (s *Signer) SignTypedData(ctx context.Context, signer common.Address, typed apitypes.TypedData) ([]byte, common.Hash, error) {
	if s == nil || s.keys == nil {
		return nil, common.Hash{}, keyring.ErrSigningKeyUnavailable
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, common.Hash{}, xerrors.Wrap(xerrors.CodeSigningFailure, err, "计算类型化数据摘要失败")
	}
	sig, err := s.keys.SignTyped(ctx, signer, typed)
	if err != nil {
		if xerrors.CodeOf(err) == keyring.CodeSigningKeyUnavailable {
			return nil, common.Hash{}, err
		}
		return nil, common.Hash{}, xerrors.Wrap(xerrors.CodeSigningFailure, err, "类型化数据签名失败")
	}
	return sig, common.BytesToHash(digest), nil
}

// OperationHash 按入口合约约定计算操作哈希：先对打包后的字段求
// keccak，再与入口地址和链 ID 拼接后做外层 keccak。签名字段不参与
// 哈希。
func OperationHash(op *Operation, entryPoint common.Address, chainID *big.Int) common.Hash {
	packed := packForHash(op)
	inner := crypto.Keccak256(packed)

	buf := make([]byte, 0, 32+32+32)
	buf = append(buf, inner...)
	buf = append(buf, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	if chainID == nil {
		chainID = new(big.Int)
	}
	buf = append(buf, common.LeftPadBytes(chainID.Bytes(), 32)...)
	return common.BytesToHash(crypto.Keccak256(buf))
}

// packForHash 把操作字段展开为定长布局：地址和数值左补零到 32 字节，
// 变长字节串以其 keccak 摘要参与。
func packForHash(op *Operation) []byte {
	buf := make([]byte, 0, 32*9)
	buf = append(buf, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	buf = append(buf, padBig(op.Nonce)...)
	buf = append(buf, crypto.Keccak256(op.InitCode)...)
	buf = append(buf, crypto.Keccak256(op.CallData)...)
	buf = append(buf, padUint64(op.CallGasLimit)...)
	buf = append(buf, padUint64(op.VerificationGasLimit)...)
	buf = append(buf, padUint64(op.PreVerificationGas)...)
	buf = append(buf, padBig(op.MaxFeePerGas)...)
	buf = append(buf, padBig(op.MaxPriorityFeePerGas)...)
	buf = append(buf, crypto.Keccak256(op.PaymasterAndData)...)
	return buf
}

func padBig(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

func padUint64(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}
