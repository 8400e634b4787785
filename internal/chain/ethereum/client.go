package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentPay-Chain/internal/chain"
)

// Config describes how to construct an EVM compatible state provider.
type Config struct {
	Name    string
	RPCURL  string
	ChainID *big.Int
	Notes   string
}

// Client implements chain.StateProvider for EVM compatible networks.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	chainID   *big.Int
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use
// provider.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
	if cfg.ChainID != nil {
		client.chainID = new(big.Int).Set(cfg.ChainID)
	}
	return client, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// GetNonce returns the wallet's pending transaction count, which doubles as
// the operation nonce for simple smart wallets.
func (c *Client) GetNonce(ctx context.Context, wallet common.Address) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	nonce, err := c.eth.PendingNonceAt(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("查询钱包 nonce 失败: %w", err)
	}
	return nonce, nil
}

// EstimateGas asks the node for a gas estimate of the wallet executing the
// given call data.
func (c *Client) EstimateGas(ctx context.Context, wallet, target common.Address, data []byte, value *big.Int) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	msg := gethcore.CallMsg{
		From:  wallet,
		To:    &target,
		Data:  data,
		Value: value,
	}
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("预估 gas 失败: %w", err)
	}
	return gas, nil
}

// GetGasPrices returns the current EIP-1559 fee suggestion.
func (c *Client) GetGasPrices(ctx context.Context) (chain.GasPrices, error) {
	if c == nil || c.eth == nil {
		return chain.GasPrices{}, errors.New("未初始化的以太坊客户端")
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return chain.GasPrices{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.GasPrices{}, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	maxFee := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		// maxFee = 2*baseFee + tip，跟随费用市场的常用估算。
		maxFee.Add(maxFee, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return chain.GasPrices{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	}, nil
}

// ChainID reports the identifier of the connected network, caching the
// first successful lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	if c.chainID != nil {
		id := new(big.Int).Set(c.chainID)
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	if c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

var _ chain.StateProvider = (*Client)(nil)
