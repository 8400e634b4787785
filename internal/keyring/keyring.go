package keyring

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "AgentPay-Chain/internal/errors"
)

// Signer 是密钥材料服务暴露给执行引擎的全部能力。引擎永远拿不到
// 原始私钥字节，只能请求对给定摘要或类型化数据签名。
type Signer interface {
	// Sign 用指定签名地址的密钥材料对 32 字节摘要签名，
	// 返回 65 字节可恢复签名。
	Sign(ctx context.Context, signer common.Address, digest common.Hash) ([]byte, error)
	// SignTyped 对 EIP-712 类型化数据做域分隔签名。
	SignTyped(ctx context.Context, signer common.Address, typed apitypes.TypedData) ([]byte, error)
}

var (
	// ErrSigningKeyUnavailable 表示找不到对应的密钥材料。签名路径上
	// 这是硬失败，绝不允许退化为零值签名。
	ErrSigningKeyUnavailable = xerrors.New(CodeSigningKeyUnavailable, "signing key unavailable")
)

// CodeSigningKeyUnavailable 是密钥材料缺失的统一错误码。
const CodeSigningKeyUnavailable xerrors.Code = "SIGNING_KEY_UNAVAILABLE"

func init() {
	xerrors.Register(CodeSigningKeyUnavailable, xerrors.Attributes{
		Message:   "signing key unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
