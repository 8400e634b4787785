package sessionkey

import (
	"context"
	"math/big"

	"AgentPay-Chain/internal/permission"
)

// Scope 定位一把会话密钥：钱包与用户必填，Agent 可选。
type Scope struct {
	WalletID string
	UserID   string
	AgentID  string
}

// Store 抽象了会话密钥的持久化接口。它是唯一允许修改
// spendingUsed、status、renewalsUsed 的组件。
type Store interface {
	Create(ctx context.Context, key *SessionKey) error
	Get(ctx context.Context, id string) (*SessionKey, error)
	// GetActive 返回范围内最新的可用密钥。时间上已过期的密钥会被惰性
	// 标记为 expired 并且绝不返回。
	GetActive(ctx context.Context, scope Scope) (*SessionKey, error)
	// GetLatest 返回范围内最新的未吊销密钥，无论是否过期。调用方用它
	// 判断过期密钥能否走自动续期。
	GetLatest(ctx context.Context, scope Scope) (*SessionKey, error)
	// DebitSpending 在单个原子步骤内校验并提交消费额度扣减。
	// 任意并发调用下 spendingUsed 不得超过 spendingLimit。
	DebitSpending(ctx context.Context, id string, amount *big.Int) (*permission.Permission, error)
	MarkExpired(ctx context.Context, id string) error
	Renew(ctx context.Context, id string, newExpiry int64) (*SessionKey, error)
	// Revoke 为终态操作，重复调用幂等。
	Revoke(ctx context.Context, id string) error
	Close() error
}
