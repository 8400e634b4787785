package bundler

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/userop"
)

// Client 是与 bundler 节点交互的最小接口。实现负责把已签名的
// 操作提交到入口合约对应的内存池。
type Client interface {
	// SendUserOperation 提交一个已签名操作，返回 bundler 侧的操作哈希。
	SendUserOperation(ctx context.Context, op *userop.Operation, entryPoint common.Address) (common.Hash, error)
	Close() error
}

var (
	// ErrNoBundlerConfigured 表示当前链未配置 bundler 入口。
	ErrNoBundlerConfigured = xerrors.New(CodeNoBundlerConfigured, "no bundler configured")
	// ErrUnsignedOperation 表示试图提交未签名的操作。
	ErrUnsignedOperation = xerrors.New(CodeUnsignedOperation, "operation is not signed")
)

const (
	CodeNoBundlerConfigured xerrors.Code = "NO_BUNDLER_CONFIGURED"
	CodeBundlerRejected     xerrors.Code = "BUNDLER_REJECTED"
	CodeUnsignedOperation   xerrors.Code = "UNSIGNED_OPERATION"
)

func init() {
	xerrors.Register(CodeNoBundlerConfigured, xerrors.Attributes{
		Message:   "no bundler configured",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeBundlerRejected, xerrors.Attributes{
		Message:   "bundler rejected operation",
		Severity:  xerrors.SeverityError,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeUnsignedOperation, xerrors.Attributes{
		Message:   "operation is not signed",
		Severity:  xerrors.SeverityError,
		Retryable: false,
		Alert:     false,
	})
}
