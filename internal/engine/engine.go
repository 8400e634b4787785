package engine

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"AgentPay-Chain/internal/bundler"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/keyring"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/permission"
	"AgentPay-Chain/internal/sessionkey"
	"AgentPay-Chain/internal/userop"
	"AgentPay-Chain/pkg/logger"
)

// Engine 串联一次委托执行的全部阶段：授权、额度扣减、操作构造、
// 签名与提交。授权失败走人工确认回退；授权通过之后的失败一律硬失败，
// 已扣减的额度不回滚。
type Engine struct {
	sessions  *sessionkey.Service
	builder   *userop.Builder
	signer    *userop.Signer
	submitter *bundler.Submitter
	queue     bundler.Producer
	alerter   alerting.Dispatcher
	chainName string
}

// Option 定义可选配置。
type Option func(*Engine)

// WithSubmitQueue 启用异步提交：操作签名后进入队列，由后台工作器
// 提交到 bundler。
func WithSubmitQueue(queue bundler.Producer) Option {
	return func(e *Engine) {
		e.queue = queue
	}
}

// WithAlerter 配置告警派发器。
func WithAlerter(dispatcher alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// WithChainName 设置默认链名，用于请求未显式指定链时的范围检查。
func WithChainName(name string) Option {
	return func(e *Engine) {
		e.chainName = name
	}
}

// New 构造执行引擎。
func New(sessions *sessionkey.Service, builder *userop.Builder, signer *userop.Signer, submitter *bundler.Submitter, opts ...Option) *Engine {
	e := &Engine{
		sessions:  sessions,
		builder:   builder,
		signer:    signer,
		submitter: submitter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExecuteDelegated 执行一次委托请求。返回的 ExecutionOutcome 描述
// 业务去向；error 仅在引擎自身未正确初始化时返回。
func (e *Engine) ExecuteDelegated(ctx context.Context, scope sessionkey.Scope, req userop.ActionRequest) (*ExecutionOutcome, error) {
	if e == nil || e.sessions == nil || e.builder == nil || e.signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行引擎未初始化")
	}

	// 格式非法的请求直接拒绝，人工确认也救不回来。
	if err := req.Validate(); err != nil {
		return &ExecutionOutcome{Kind: OutcomeDenied, Detail: err.Error()}, nil
	}
	amount, _ := permission.ParseAmount(req.Amount)

	key, outcome, err := e.authorize(ctx, scope)
	if outcome != nil || err != nil {
		return outcome, err
	}

	if reason, ok := e.checkPolicy(key, req, amount); !ok {
		logger.Audit().Warn("委托请求被策略拒绝",
			slog.String("session_key_id", key.ID),
			slog.String("wallet_id", key.WalletID),
			slog.String("action", string(req.Action)),
			slog.String("reason", string(reason)),
		)
		return &ExecutionOutcome{Kind: OutcomeFallbackRequired, SessionKeyID: key.ID, Reason: reason}, nil
	}

	// 扣减在构造与提交之前完成。之后的任何失败都不退还额度，
	// 宁可少花也不能超花。
	if _, err := e.sessions.DebitSpending(ctx, key.ID, amount); err != nil {
		switch {
		case stdErrors.Is(err, sessionkey.ErrSpendingLimitExceeded):
			e.emitAlert(ctx, key, sessionkey.CodeSpendingLimitExceeded, err, "debit")
			return &ExecutionOutcome{Kind: OutcomeFallbackRequired, SessionKeyID: key.ID, Reason: ReasonSpendingLimitExceeded}, nil
		case stdErrors.Is(err, sessionkey.ErrSessionExpired):
			return &ExecutionOutcome{Kind: OutcomeFallbackRequired, SessionKeyID: key.ID, Reason: ReasonSessionExpired}, nil
		case stdErrors.Is(err, sessionkey.ErrSessionRevoked), stdErrors.Is(err, sessionkey.ErrSessionNotFound):
			return &ExecutionOutcome{Kind: OutcomeFallbackRequired, SessionKeyID: key.ID, Reason: ReasonNoActiveSession}, nil
		}
		return e.hardFailure(ctx, key, "debit", err), nil
	}

	op, err := e.builder.Build(ctx, common.HexToAddress(key.SmartWalletAddress), req)
	if err != nil {
		return e.hardFailure(ctx, key, "build", err), nil
	}

	if err := e.signer.SignOperation(ctx, common.HexToAddress(key.SignerAddress), op); err != nil {
		if xerrors.CodeOf(err) == keyring.CodeSigningKeyUnavailable {
			e.emitAlert(ctx, key, keyring.CodeSigningKeyUnavailable, err, "sign")
		}
		return e.hardFailure(ctx, key, "sign", err), nil
	}

	opHash := e.signer.OperationHash(op)
	if e.queue != nil {
		if err := e.queue.Publish(ctx, op); err != nil {
			return e.hardFailure(ctx, key, "submit", err), nil
		}
		logger.Audit().Info("操作已进入提交队列",
			slog.String("session_key_id", key.ID),
			slog.String("operation_hash", opHash.Hex()),
		)
		return &ExecutionOutcome{Kind: OutcomeSubmitted, SessionKeyID: key.ID, OperationHash: opHash}, nil
	}

	if e.submitter == nil {
		return e.hardFailure(ctx, key, "submit", bundler.ErrNoBundlerConfigured), nil
	}
	hash, err := e.submitter.Submit(ctx, op)
	if err != nil {
		return e.hardFailure(ctx, key, "submit", err), nil
	}
	logger.Audit().Info("委托执行完成",
		slog.String("session_key_id", key.ID),
		slog.String("wallet_id", key.WalletID),
		slog.String("action", string(req.Action)),
		slog.String("amount", req.Amount),
		slog.String("operation_hash", hash.Hex()),
	)
	return &ExecutionOutcome{Kind: OutcomeConfirmed, SessionKeyID: key.ID, OperationHash: hash}, nil
}

// SignTypedData 在会话授权下对 EIP-712 类型化数据签名。该路径不构造
// 链上操作，也不扣减消费额度。
func (e *Engine) SignTypedData(ctx context.Context, scope sessionkey.Scope, typed apitypes.TypedData) ([]byte, common.Hash, error) {
	if e == nil || e.sessions == nil || e.signer == nil {
		return nil, common.Hash{}, xerrors.New(xerrors.CodeInitializationFailure, "执行引擎未初始化")
	}
	key, err := e.sessions.GetActive(ctx, scope)
	if err != nil {
		return nil, common.Hash{}, err
	}
	sig, digest, err := e.signer.SignTypedData(ctx, common.HexToAddress(key.SignerAddress), typed)
	if err != nil {
		if xerrors.CodeOf(err) == keyring.CodeSigningKeyUnavailable {
			e.emitAlert(ctx, key, keyring.CodeSigningKeyUnavailable, err, "sign_typed")
		}
		return nil, common.Hash{}, err
	}
	logger.Audit().Info("类型化数据签名完成",
		slog.String("session_key_id", key.ID),
		slog.String("digest", digest.Hex()),
	)
	return sig, digest, nil
}

// authorize 定位可用的会话密钥。没有活跃密钥时尝试自动续期，
// 续不动才回退人工确认。
func (e *Engine) authorize(ctx context.Context, scope sessionkey.Scope) (*sessionkey.SessionKey, *ExecutionOutcome, error) {
	key, err := e.sessions.GetActive(ctx, scope)
	if err == nil {
		return key, nil, nil
	}
	if !stdErrors.Is(err, sessionkey.ErrSessionNotFound) {
		return nil, e.hardFailure(ctx, nil, "authorize", err), nil
	}

	latest, lerr := e.sessions.GetLatest(ctx, scope)
	if lerr != nil {
		return nil, &ExecutionOutcome{Kind: OutcomeFallbackRequired, Reason: ReasonNoActiveSession}, nil
	}
	if latest.Status != sessionkey.StatusExpired {
		return nil, &ExecutionOutcome{Kind: OutcomeFallbackRequired, SessionKeyID: latest.ID, Reason: ReasonNoActiveSession}, nil
	}
	if !latest.CanRenew() {
		reason := ReasonSessionExpired
		if latest.Permissions.AutoRenew {
			// 开了自动续期但额度耗尽，提示调用方重新签发而不是等待续期。
			reason = ReasonRenewalNotAllowed
		}
		return nil, &ExecutionOutcome{Kind: OutcomeFallbackRequired, SessionKeyID: latest.ID, Reason: reason}, nil
	}
	renewed, rerr := e.sessions.Renew(ctx, latest.ID)
	if rerr != nil {
		if stdErrors.Is(rerr, sessionkey.ErrRenewalNotAllowed) {
			return nil, &ExecutionOutcome{Kind: OutcomeFallbackRequired, SessionKeyID: latest.ID, Reason: ReasonRenewalNotAllowed}, nil
		}
		return nil, e.hardFailure(ctx, latest, "renew", rerr), nil
	}
	return renewed, nil, nil
}

// checkPolicy 对请求执行会话密钥的策略检查，返回首个不满足的原因。
// 检查只读取权限数据，额度扣减在通过之后单独以原子步骤提交。
func (e *Engine) checkPolicy(key *sessionkey.SessionKey, req userop.ActionRequest, amount *big.Int) (FallbackReason, bool) {
	perms := key.Permissions
	if !permission.IsActionAllowed(req.Action, perms) {
		return ReasonActionNotAllowed, false
	}

	sourceChain := req.SourceChain
	if sourceChain == "" {
		sourceChain = e.chainName
	}
	if sourceChain != "" && !permission.IsChainAllowed(sourceChain, perms) {
		return ReasonScopeRestricted, false
	}
	if req.DestinationChain != "" && !permission.IsChainAllowed(req.DestinationChain, perms) {
		return ReasonScopeRestricted, false
	}
	if req.TokenAddress != "" && !permission.IsTokenAllowed(req.TokenAddress, perms) {
		return ReasonScopeRestricted, false
	}
	if permission.ExceedsPerTransactionLimit(amount, perms) {
		return ReasonPerTxnLimitExceeded, false
	}
	return "", true
}

func (e *Engine) hardFailure(ctx context.Context, key *sessionkey.SessionKey, stage string, cause error) *ExecutionOutcome {
	outcome := &ExecutionOutcome{Kind: OutcomeHardFailure, Stage: stage, Detail: cause.Error()}
	sessionID := ""
	walletID := ""
	if key != nil {
		outcome.SessionKeyID = key.ID
		sessionID = key.ID
		walletID = key.WalletID
	}
	logger.L().Error("委托执行硬失败",
		slog.String("stage", stage),
		slog.String("session_key_id", sessionID),
		slog.Any("error", cause),
	)
	code := xerrors.CodeOf(cause)
	if xerrors.ShouldAlert(cause) {
		e.notify(ctx, code, cause, stage, sessionID, walletID)
	}
	return outcome
}

func (e *Engine) emitAlert(ctx context.Context, key *sessionkey.SessionKey, code xerrors.Code, cause error, stage string) {
	sessionID := ""
	walletID := ""
	if key != nil {
		sessionID = key.ID
		walletID = key.WalletID
	}
	e.notify(ctx, code, cause, stage, sessionID, walletID)
}

func (e *Engine) notify(ctx context.Context, code xerrors.Code, cause error, stage, sessionID, walletID string) {
	if e.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:         code,
		Message:      message,
		Severity:     attrs.Severity,
		SessionKeyID: sessionID,
		WalletID:     walletID,
		Stage:        stage,
		OccurredAt:   time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("stage", stage),
			slog.String("session_key_id", sessionID),
		)
	}
}
