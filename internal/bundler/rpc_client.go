package bundler

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/userop"
)

// RPCClient 通过 JSON-RPC 与 bundler 节点通信。
type RPCClient struct {
	rpc *gethrpc.Client
}

// NewRPCClient 建立到 bundler 节点的连接。
func NewRPCClient(ctx context.Context, url string) (*RPCClient, error) {
	if url == "" {
		return nil, ErrNoBundlerConfigured
	}
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 bundler 节点失败")
	}
	return &RPCClient{rpc: rpcClient}, nil
}

// SendUserOperation 调用 eth_sendUserOperation 提交已签名操作。
func (c *RPCClient) SendUserOperation(ctx context.Context, op *userop.Operation, entryPoint common.Address) (common.Hash, error) {
	if c == nil || c.rpc == nil {
		return common.Hash{}, ErrNoBundlerConfigured
	}
	if !op.Signed() {
		return common.Hash{}, ErrUnsignedOperation
	}
	var result string
	if err := c.rpc.CallContext(ctx, &result, "eth_sendUserOperation", op.RPCFormat(), entryPoint.Hex()); err != nil {
		return common.Hash{}, xerrors.Wrap(CodeBundlerRejected, err, "bundler 拒绝操作")
	}
	return common.HexToHash(result), nil
}

// Close 关闭底层 RPC 连接。
func (c *RPCClient) Close() error {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
	return nil
}

var _ Client = (*RPCClient)(nil)
