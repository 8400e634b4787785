package sessionkey

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/permission"
	"AgentPay-Chain/pkg/logger"
)

// defaultRenewalPeriod 是自动续期时单次延长的有效时长。
const defaultRenewalPeriod = 24 * time.Hour

// Service 负责会话密钥的签发与生命周期管理。
type Service struct {
	store         Store
	renewalPeriod time.Duration
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithRenewalPeriod 设置自动续期时延长的时长。
func WithRenewalPeriod(period time.Duration) ServiceOption {
	return func(s *Service) {
		if period > 0 {
			s.renewalPeriod = period
		}
	}
}

// NewService 构造会话密钥服务。
func NewService(store Store, opts ...ServiceOption) *Service {
	svc := &Service{store: store, renewalPeriod: defaultRenewalPeriod}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// IssueRequest 描述签发一把新会话密钥所需的信息。
type IssueRequest struct {
	WalletID           string                `json:"wallet_id"`
	UserID             string                `json:"user_id"`
	AgentID            string                `json:"agent_id,omitempty"`
	SignerAddress      string                `json:"signer_address"`
	SmartWalletAddress string                `json:"smart_wallet_address"`
	Permissions        permission.Permission `json:"permissions"`
}

// Issue 签发一把新的会话密钥。
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*SessionKey, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话密钥存储未初始化")
	}
	if strings.TrimSpace(req.WalletID) == "" || strings.TrimSpace(req.UserID) == "" {
		return nil, xerrors.New(CodeSessionValidation, "wallet_id 与 user_id 不能为空")
	}
	if strings.TrimSpace(req.SignerAddress) == "" {
		return nil, xerrors.New(CodeSessionValidation, "signer_address 不能为空")
	}
	if strings.TrimSpace(req.SmartWalletAddress) == "" {
		return nil, xerrors.New(CodeSessionValidation, "smart_wallet_address 不能为空")
	}
	if len(req.Permissions.AllowedActions) == 0 {
		return nil, xerrors.New(CodeSessionValidation, "allowed_actions 不能为空")
	}
	for _, action := range req.Permissions.AllowedActions {
		if !permission.IsValidAction(action) {
			return nil, xerrors.New(CodeSessionValidation, "不支持的动作类型: "+string(action))
		}
	}
	now := time.Now()
	if req.Permissions.ExpiryTime <= now.Unix() {
		return nil, xerrors.New(CodeSessionValidation, "过期时间必须晚于当前时刻")
	}
	if req.Permissions.SpendingLimit == nil || req.Permissions.SpendingLimit.Sign() <= 0 {
		return nil, xerrors.New(CodeSessionValidation, "消费上限必须为正整数")
	}

	perms := req.Permissions.Clone()
	if perms.SpendingUsed == nil {
		perms.SpendingUsed = new(big.Int)
	}
	key := &SessionKey{
		ID:                 uuid.NewString(),
		WalletID:           req.WalletID,
		UserID:             req.UserID,
		AgentID:            req.AgentID,
		SignerAddress:      req.SignerAddress,
		SmartWalletAddress: req.SmartWalletAddress,
		Status:             StatusActive,
		Permissions:        perms,
		CreatedAt:          now.Unix(),
		ExpiresAt:          perms.ExpiryTime,
	}
	if err := s.store.Create(ctx, key); err != nil {
		return nil, err
	}
	logger.Audit().Info("会话密钥签发成功",
		slog.String("session_key_id", key.ID),
		slog.String("wallet_id", key.WalletID),
		slog.String("agent_id", key.AgentID),
		slog.String("spending_limit", perms.SpendingLimit.String()),
		slog.Int64("expires_at", key.ExpiresAt),
	)
	return key, nil
}

// Get 返回指定密钥。
func (s *Service) Get(ctx context.Context, id string) (*SessionKey, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话密钥存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// GetActive 返回范围内最新的可用密钥。
func (s *Service) GetActive(ctx context.Context, scope Scope) (*SessionKey, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话密钥存储未初始化")
	}
	return s.store.GetActive(ctx, scope)
}

// GetLatest 返回范围内最新的未吊销密钥，无论是否已过期。
func (s *Service) GetLatest(ctx context.Context, scope Scope) (*SessionKey, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话密钥存储未初始化")
	}
	return s.store.GetLatest(ctx, scope)
}

// DebitSpending 原子扣减消费额度。
func (s *Service) DebitSpending(ctx context.Context, id string, amount *big.Int) (*permission.Permission, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话密钥存储未初始化")
	}
	perm, err := s.store.DebitSpending(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("消费额度扣减成功",
		slog.String("session_key_id", id),
		slog.String("amount", amount.String()),
		slog.String("spending_used", perm.SpendingUsed.String()),
	)
	return perm, nil
}

// Renew 消耗一次续期额度，把有效期延长一个续期周期。
func (s *Service) Renew(ctx context.Context, id string) (*SessionKey, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话密钥存储未初始化")
	}
	newExpiry := time.Now().Add(s.renewalPeriod).Unix()
	key, err := s.store.Renew(ctx, id, newExpiry)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("会话密钥续期成功",
		slog.String("session_key_id", id),
		slog.Int64("expires_at", key.ExpiresAt),
		slog.Int("renewals_used", key.Permissions.RenewalsUsed),
	)
	return key, nil
}

// MarkExpired 标记密钥过期。
func (s *Service) MarkExpired(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "会话密钥存储未初始化")
	}
	return s.store.MarkExpired(ctx, id)
}

// Revoke 吊销密钥，幂等。
func (s *Service) Revoke(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "会话密钥存储未初始化")
	}
	if err := s.store.Revoke(ctx, id); err != nil {
		return err
	}
	logger.Audit().Info("会话密钥已吊销", slog.String("session_key_id", id))
	return nil
}

// Close 释放底层存储。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
