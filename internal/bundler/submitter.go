package bundler

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/userop"
	"AgentPay-Chain/pkg/logger"
)

// Submitter 把已签名操作提交到 bundler，并保证批量提交的顺序。
type Submitter struct {
	client     Client
	entryPoint common.Address
}

// NewSubmitter 构造提交器。
func NewSubmitter(client Client, entryPoint common.Address) *Submitter {
	return &Submitter{client: client, entryPoint: entryPoint}
}

// Submit 同步提交单个操作。提交失败不会回滚任何已扣减的额度，
// 由调用方决定是否告警。
func (s *Submitter) Submit(ctx context.Context, op *userop.Operation) (common.Hash, error) {
	if s == nil || s.client == nil {
		return common.Hash{}, ErrNoBundlerConfigured
	}
	if !op.Signed() {
		return common.Hash{}, ErrUnsignedOperation
	}
	hash, err := s.client.SendUserOperation(ctx, op, s.entryPoint)
	if err != nil {
		return common.Hash{}, err
	}
	logger.Audit().Info("操作已提交",
		slog.String("operation_hash", hash.Hex()),
		slog.String("sender", op.Sender.Hex()),
		slog.String("entry_point", s.entryPoint.Hex()),
	)
	return hash, nil
}

// BatchResult 记录批量提交中单个操作的结果，Index 对应输入顺序。
type BatchResult struct {
	Index         int
	OperationHash common.Hash
	Err           error
}

// SubmitBatch 按输入顺序逐个提交操作。任一操作失败不会中断
// 后续操作，调用方通过结果列表得知每个操作的去向。
func (s *Submitter) SubmitBatch(ctx context.Context, ops []*userop.Operation) []BatchResult {
	results := make([]BatchResult, len(ops))
	for i, op := range ops {
		results[i].Index = i
		if err := ctx.Err(); err != nil {
			results[i].Err = xerrors.Wrap(xerrors.CodeTimeout, err, "批量提交被取消")
			continue
		}
		hash, err := s.Submit(ctx, op)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].OperationHash = hash
	}
	return results
}
