package permission

import (
	"math/big"
	"strings"
	"time"
)

// ActionKind 表示会话密钥可以被授权执行的动作类型。
type ActionKind string

const (
	ActionTransfer ActionKind = "transfer"
	ActionApprove  ActionKind = "approve"
	ActionSwap     ActionKind = "swap"
	ActionBridge   ActionKind = "bridge"
	ActionCCTP     ActionKind = "cctp"
	ActionGateway  ActionKind = "gateway"
)

// IsValidAction 检查给定的动作类型是否为支持的枚举值。
func IsValidAction(action ActionKind) bool {
	switch action {
	case ActionTransfer, ActionApprove, ActionSwap, ActionBridge, ActionCCTP, ActionGateway:
		return true
	default:
		return false
	}
}

// RequiresContractCall 返回该动作是否必须携带原始合约调用信息。
func RequiresContractCall(action ActionKind) bool {
	switch action {
	case ActionSwap, ActionBridge, ActionCCTP, ActionGateway:
		return true
	default:
		return false
	}
}

// Permission 描述一把会话密钥的授权范围。金额均以最小货币单位保存，
// 使用任意精度整数避免大额代币被截断。
type Permission struct {
	AllowedActions []ActionKind `json:"allowed_actions"`
	SpendingLimit  *big.Int     `json:"spending_limit"`
	SpendingUsed   *big.Int     `json:"spending_used"`
	ExpiryTime     int64        `json:"expiry_time"`
	AutoRenew      bool         `json:"auto_renew"`
	MaxRenewals    int          `json:"max_renewals"`
	RenewalsUsed   int          `json:"renewals_used"`

	// 可选的范围收窄。空集合表示不做限制。
	AllowedChains   []string `json:"allowed_chains,omitempty"`
	AllowedTokens   []string `json:"allowed_tokens,omitempty"`
	MaxAmountPerTxn *big.Int `json:"max_amount_per_transaction,omitempty"`
}

// Clone 返回权限记录的深拷贝。
func (p Permission) Clone() Permission {
	clone := p
	clone.AllowedActions = append([]ActionKind(nil), p.AllowedActions...)
	clone.AllowedChains = append([]string(nil), p.AllowedChains...)
	clone.AllowedTokens = append([]string(nil), p.AllowedTokens...)
	if p.SpendingLimit != nil {
		clone.SpendingLimit = new(big.Int).Set(p.SpendingLimit)
	}
	if p.SpendingUsed != nil {
		clone.SpendingUsed = new(big.Int).Set(p.SpendingUsed)
	}
	if p.MaxAmountPerTxn != nil {
		clone.MaxAmountPerTxn = new(big.Int).Set(p.MaxAmountPerTxn)
	}
	return clone
}

// IsActionAllowed 做精确的集合成员判断，不支持通配。
func IsActionAllowed(action ActionKind, p Permission) bool {
	for _, allowed := range p.AllowedActions {
		if allowed == action {
			return true
		}
	}
	return false
}

// WouldExceedSpendingLimit 判断 spendingUsed + amount 是否会超过 spendingLimit。
func WouldExceedSpendingLimit(amount *big.Int, p Permission) bool {
	if amount == nil {
		return true
	}
	limit := p.SpendingLimit
	if limit == nil {
		limit = new(big.Int)
	}
	used := p.SpendingUsed
	if used == nil {
		used = new(big.Int)
	}
	return new(big.Int).Add(used, amount).Cmp(limit) > 0
}

// ExceedsPerTransactionLimit 判断单笔金额是否超出可选的单笔上限。
func ExceedsPerTransactionLimit(amount *big.Int, p Permission) bool {
	if p.MaxAmountPerTxn == nil {
		return false
	}
	if amount == nil {
		return true
	}
	return amount.Cmp(p.MaxAmountPerTxn) > 0
}

// IsChainAllowed 判断目标链是否在许可范围内。空列表表示不限制。
func IsChainAllowed(chain string, p Permission) bool {
	if len(p.AllowedChains) == 0 {
		return true
	}
	for _, allowed := range p.AllowedChains {
		if strings.EqualFold(allowed, chain) {
			return true
		}
	}
	return false
}

// IsTokenAllowed 判断代币地址是否在许可范围内。空列表表示不限制。
func IsTokenAllowed(token string, p Permission) bool {
	if len(p.AllowedTokens) == 0 {
		return true
	}
	for _, allowed := range p.AllowedTokens {
		if strings.EqualFold(allowed, token) {
			return true
		}
	}
	return false
}

// IsExpiredAt 判断权限在给定时刻是否已经到期。到期时刻本身视为已过期。
func IsExpiredAt(p Permission, now time.Time) bool {
	if p.ExpiryTime <= 0 {
		return true
	}
	return now.Unix() >= p.ExpiryTime
}

// CanRenew 判断权限是否还有续期额度。
func CanRenew(p Permission) bool {
	return p.AutoRenew && p.RenewalsUsed < p.MaxRenewals
}

// ParseAmount 将十进制金额字符串解析为任意精度整数。
// 仅接受非负整数，拒绝小数和空串。
func ParseAmount(raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}
