package engine

import "github.com/ethereum/go-ethereum/common"

// OutcomeKind 表示一次委托执行的最终去向。
type OutcomeKind string

const (
	// OutcomeConfirmed 表示操作已被 bundler 接受。
	OutcomeConfirmed OutcomeKind = "confirmed"
	// OutcomeSubmitted 表示操作已进入异步提交队列，确认在后台完成。
	OutcomeSubmitted OutcomeKind = "submitted"
	// OutcomeFallbackRequired 表示授权不满足，需要回退到人工确认路径。
	OutcomeFallbackRequired OutcomeKind = "fallback_required"
	// OutcomeDenied 表示请求本身非法，重试同样的请求没有意义。
	OutcomeDenied OutcomeKind = "denied"
	// OutcomeHardFailure 表示授权通过后的执行阶段失败。
	OutcomeHardFailure OutcomeKind = "hard_failure"
)

// FallbackReason 枚举需要回退人工确认的原因。
type FallbackReason string

const (
	ReasonNoActiveSession       FallbackReason = "no_active_session"
	ReasonSessionExpired        FallbackReason = "session_expired"
	ReasonActionNotAllowed      FallbackReason = "action_not_allowed"
	ReasonSpendingLimitExceeded FallbackReason = "spending_limit_exceeded"
	ReasonScopeRestricted       FallbackReason = "scope_restricted"
	ReasonRenewalNotAllowed     FallbackReason = "renewal_not_allowed"
	ReasonPerTxnLimitExceeded   FallbackReason = "per_transaction_limit_exceeded"
)

// ExecutionOutcome 汇总一次委托执行的结果。Kind 决定哪些字段有意义：
// Confirmed/Submitted 携带操作哈希，FallbackRequired 携带回退原因，
// HardFailure 携带失败阶段与描述。
type ExecutionOutcome struct {
	Kind          OutcomeKind    `json:"kind"`
	SessionKeyID  string         `json:"session_key_id,omitempty"`
	OperationHash common.Hash    `json:"operation_hash,omitempty"`
	Reason        FallbackReason `json:"reason,omitempty"`
	Stage         string         `json:"stage,omitempty"`
	Detail        string         `json:"detail,omitempty"`
}

// NeedsFallback 判断结果是否要求回退人工确认。
func (o *ExecutionOutcome) NeedsFallback() bool {
	return o != nil && o.Kind == OutcomeFallbackRequired
}

// Succeeded 判断操作是否已成功离开本系统。
func (o *ExecutionOutcome) Succeeded() bool {
	return o != nil && (o.Kind == OutcomeConfirmed || o.Kind == OutcomeSubmitted)
}
