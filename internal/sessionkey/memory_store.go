package sessionkey

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/permission"
)

// MemoryStore 以内存方式保存会话密钥，主要用于测试与单机部署。
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*SessionKey
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*SessionKey)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, key *SessionKey) error {
	if key == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session key 不能为空")
	}
	if strings.TrimSpace(key.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话密钥 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return ErrSessionConflict
	}
	now := time.Now().Unix()
	if key.CreatedAt == 0 {
		key.CreatedAt = now
	}
	if key.Status == "" {
		key.Status = StatusActive
	}
	m.keys[key.ID] = key.Clone()
	return nil
}

// Get 返回指定密钥。
func (m *MemoryStore) Get(_ context.Context, id string) (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return key.Clone(), nil
}

// GetActive 返回范围内最新的可用密钥，并惰性标记时间上已过期的密钥。
func (m *MemoryStore) GetActive(_ context.Context, scope Scope) (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var best *SessionKey
	for _, key := range m.keys {
		if key.WalletID != scope.WalletID || key.UserID != scope.UserID {
			continue
		}
		if !matchesAgent(key.AgentID, scope.AgentID) {
			continue
		}
		if key.Status == StatusRevoked {
			continue
		}
		if key.Status == StatusActive && now.Unix() >= key.ExpiresAt {
			key.Status = StatusExpired
		}
		if key.Status != StatusActive {
			continue
		}
		if best == nil || key.CreatedAt > best.CreatedAt ||
			(key.CreatedAt == best.CreatedAt && key.ID > best.ID) {
			best = key
		}
	}
	if best == nil {
		return nil, ErrSessionNotFound
	}
	return best.Clone(), nil
}

// GetLatest 返回范围内最新的未吊销密钥，同样惰性处理过期状态。
func (m *MemoryStore) GetLatest(_ context.Context, scope Scope) (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var best *SessionKey
	for _, key := range m.keys {
		if key.WalletID != scope.WalletID || key.UserID != scope.UserID {
			continue
		}
		if !matchesAgent(key.AgentID, scope.AgentID) {
			continue
		}
		if key.Status == StatusRevoked {
			continue
		}
		if key.Status == StatusActive && now.Unix() >= key.ExpiresAt {
			key.Status = StatusExpired
		}
		if best == nil || key.CreatedAt > best.CreatedAt ||
			(key.CreatedAt == best.CreatedAt && key.ID > best.ID) {
			best = key
		}
	}
	if best == nil {
		return nil, ErrSessionNotFound
	}
	return best.Clone(), nil
}

// DebitSpending 在持锁状态下完成校验与提交，保证并发扣减不超限。
func (m *MemoryStore) DebitSpending(_ context.Context, id string, amount *big.Int) (*permission.Permission, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "扣减金额必须为非负整数")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := time.Now()
	switch {
	case key.Status == StatusRevoked:
		return nil, ErrSessionRevoked
	case key.Status != StatusActive || now.Unix() >= key.ExpiresAt:
		return nil, ErrSessionExpired
	}
	if permission.WouldExceedSpendingLimit(amount, key.Permissions) {
		return nil, ErrSpendingLimitExceeded
	}
	if key.Permissions.SpendingUsed == nil {
		key.Permissions.SpendingUsed = new(big.Int)
	}
	key.Permissions.SpendingUsed = new(big.Int).Add(key.Permissions.SpendingUsed, amount)
	key.LastUsedAt = now.Unix()
	updated := key.Permissions.Clone()
	return &updated, nil
}

// MarkExpired 将密钥标记为过期。吊销状态不可回退。
func (m *MemoryStore) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return ErrSessionNotFound
	}
	if key.Status == StatusRevoked {
		return ErrSessionRevoked
	}
	key.Status = StatusExpired
	return nil
}

// Renew 消耗一次续期额度并延长有效期。额度耗尽时拒绝。
func (m *MemoryStore) Renew(_ context.Context, id string, newExpiry int64) (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if key.Status == StatusRevoked {
		return nil, ErrSessionRevoked
	}
	if !permission.CanRenew(key.Permissions) {
		return nil, ErrRenewalNotAllowed
	}
	if newExpiry <= time.Now().Unix() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "新的过期时间必须晚于当前时刻")
	}
	key.Permissions.RenewalsUsed++
	key.Permissions.ExpiryTime = newExpiry
	key.ExpiresAt = newExpiry
	key.Status = StatusActive
	return key.Clone(), nil
}

// Revoke 吊销密钥，幂等。
func (m *MemoryStore) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return ErrSessionNotFound
	}
	key.Status = StatusRevoked
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesAgent(keyAgent, requestAgent string) bool {
	if requestAgent == "" {
		return keyAgent == ""
	}
	// Agent 范围的请求优先使用同名密钥，也可以落到未绑定 Agent 的钱包级密钥。
	return keyAgent == "" || keyAgent == requestAgent
}

var _ Store = (*MemoryStore)(nil)
