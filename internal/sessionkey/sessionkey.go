package sessionkey

import (
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/permission"
)

// Status 表示会话密钥在生命周期中的状态。revoked 为终态。
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// SessionKey 描述一把受限的委托签名凭证。密钥材料由密钥服务独占保管，
// 这里仅记录签名地址与授权范围。
type SessionKey struct {
	ID                 string                `json:"id"`
	WalletID           string                `json:"wallet_id"`
	UserID             string                `json:"user_id"`
	AgentID            string                `json:"agent_id,omitempty"`
	SignerAddress      string                `json:"signer_address"`
	SmartWalletAddress string                `json:"smart_wallet_address"`
	Status             Status                `json:"status"`
	Permissions        permission.Permission `json:"permissions"`
	CreatedAt          int64                 `json:"created_at"`
	ExpiresAt          int64                 `json:"expires_at"`
	LastUsedAt         int64                 `json:"last_used_at,omitempty"`
}

// Usable 判断密钥在给定时刻是否仍可用于委托执行。
// 即使存储中的状态字段尚未刷新，时间上已过期的密钥也视为不可用。
func (k *SessionKey) Usable(now time.Time) bool {
	if k == nil || k.Status != StatusActive {
		return false
	}
	return now.Unix() < k.ExpiresAt
}

// CanRenew 判断密钥是否还可自动续期。
func (k *SessionKey) CanRenew() bool {
	if k == nil || k.Status == StatusRevoked {
		return false
	}
	return permission.CanRenew(k.Permissions)
}

// Clone 返回深拷贝，避免调用方看到存储内部状态。
func (k *SessionKey) Clone() *SessionKey {
	if k == nil {
		return nil
	}
	clone := *k
	clone.Permissions = k.Permissions.Clone()
	return &clone
}

var (
	// ErrSessionNotFound 表示指定范围内不存在可用的会话密钥。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session key not found")
	// ErrSessionConflict 表示会话密钥 ID 冲突。
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "session key conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSessionExpired 表示会话密钥已经过期。
	ErrSessionExpired = xerrors.New(CodeSessionExpired, "session key expired")
	// ErrSessionRevoked 表示会话密钥已被吊销。
	ErrSessionRevoked = xerrors.New(CodeSessionRevoked, "session key revoked")
	// ErrSpendingLimitExceeded 表示本次扣减会突破累计消费上限。
	ErrSpendingLimitExceeded = xerrors.New(CodeSpendingLimitExceeded, "spending limit exceeded", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRenewalNotAllowed 表示密钥没有剩余续期额度。
	ErrRenewalNotAllowed = xerrors.New(CodeRenewalNotAllowed, "renewal not allowed")
)

const (
	CodeSessionNotFound       xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionConflict       xerrors.Code = "SESSION_CONFLICT"
	CodeSessionExpired        xerrors.Code = "SESSION_EXPIRED"
	CodeSessionRevoked        xerrors.Code = "SESSION_REVOKED"
	CodeSpendingLimitExceeded xerrors.Code = "SPENDING_LIMIT_EXCEEDED"
	CodeRenewalNotAllowed     xerrors.Code = "RENEWAL_NOT_ALLOWED"
	CodeSessionValidation     xerrors.Code = "SESSION_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session key not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:   "session key conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionExpired, xerrors.Attributes{
		Message:   "session key expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionRevoked, xerrors.Attributes{
		Message:   "session key revoked",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSpendingLimitExceeded, xerrors.Attributes{
		Message:   "spending limit exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRenewalNotAllowed, xerrors.Attributes{
		Message:   "session renewal not allowed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionValidation, xerrors.Attributes{
		Message:   "session key validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
