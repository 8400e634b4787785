package userop

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/permission"
)

// ContractCall 携带 swap/bridge/cctp/gateway 类动作所需的原始合约调用。
type ContractCall struct {
	ContractAddress      string `json:"contract_address"`
	ABIFunctionSignature string `json:"abi_function_signature"`
	ABIParameters        []any  `json:"abi_parameters"`
}

// ActionRequest 是调用方发起的语义化动作请求。金额使用最小货币单位
// 的十进制字符串表示。
type ActionRequest struct {
	Action           permission.ActionKind `json:"action"`
	Amount           string                `json:"amount"`
	Destination      string                `json:"destination,omitempty"`
	TokenAddress     string                `json:"token_address,omitempty"`
	SourceChain      string                `json:"source_chain,omitempty"`
	DestinationChain string                `json:"destination_chain,omitempty"`
	ContractCall     *ContractCall         `json:"contract_call,omitempty"`
}

var (
	// ErrMissingContractCall 表示需要原始合约调用的动作缺少调用详情。
	ErrMissingContractCall = xerrors.New(CodeMissingContractCall, "missing contract call details")
	// ErrRequestInvalid 表示请求本身格式非法，属于调用方缺陷，
	// 不应再通过人工确认路径重试。
	ErrRequestInvalid = xerrors.New(CodeRequestValidation, "malformed action request")
)

const (
	CodeMissingContractCall xerrors.Code = "MISSING_CONTRACT_CALL"
	CodeRequestValidation   xerrors.Code = "REQUEST_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeMissingContractCall, xerrors.Attributes{
		Message:   "missing contract call details",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestValidation, xerrors.Attributes{
		Message:   "malformed action request",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Validate 检查请求的结构完整性。这里只做格式校验，
// 授权判定完全由上层的策略检查负责。
func (r ActionRequest) Validate() error {
	if !permission.IsValidAction(r.Action) {
		return xerrors.New(CodeRequestValidation, "不支持的动作类型: "+string(r.Action))
	}
	if _, ok := permission.ParseAmount(r.Amount); !ok {
		return xerrors.New(CodeRequestValidation, "金额必须为非负十进制整数")
	}

	switch r.Action {
	case permission.ActionTransfer, permission.ActionApprove:
		if !common.IsHexAddress(strings.TrimSpace(r.Destination)) {
			return xerrors.New(CodeRequestValidation, "目标地址非法")
		}
		if token := strings.TrimSpace(r.TokenAddress); token != "" && !common.IsHexAddress(token) {
			return xerrors.New(CodeRequestValidation, "代币地址非法")
		}
	default:
		// swap/bridge/cctp/gateway 必须携带原始合约调用。
		if r.ContractCall == nil {
			return ErrMissingContractCall
		}
		if !common.IsHexAddress(strings.TrimSpace(r.ContractCall.ContractAddress)) {
			return xerrors.New(CodeMissingContractCall, "合约地址非法")
		}
		if strings.TrimSpace(r.ContractCall.ABIFunctionSignature) == "" {
			return xerrors.New(CodeMissingContractCall, "缺少函数签名")
		}
	}
	return nil
}
