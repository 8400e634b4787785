package userop

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/permission"
)

// erc20ABIJSON 覆盖构造转账与授权调用所需的最小 ERC-20 接口。
const erc20ABIJSON = `[
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// walletABIJSON 是智能钱包的 execute 入口。
const walletABIJSON = `[
  {"name":"execute","type":"function","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]}
]`

var (
	erc20ABI  abi.ABI
	walletABI abi.ABI
)

func init() {
	var err error
	if erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON)); err != nil {
		panic(fmt.Sprintf("解析 ERC-20 ABI 失败: %v", err))
	}
	if walletABI, err = abi.JSON(strings.NewReader(walletABIJSON)); err != nil {
		panic(fmt.Sprintf("解析钱包 ABI 失败: %v", err))
	}
}

// Builder 把语义化的动作请求翻译为可签名的 Operation。
// 它只读取链上状态，绝不触碰授权与额度数据。
type Builder struct {
	provider chain.StateProvider
}

// NewBuilder 构造操作构造器。
func NewBuilder(provider chain.StateProvider) *Builder {
	return &Builder{provider: provider}
}

// Build 为已授权的请求构造一个全新的 Operation。nonce 与 gas 参数
// 从链上实时获取，verificationGasLimit 与 preVerificationGas 使用
// 协议默认值。
func (b *Builder) Build(ctx context.Context, wallet common.Address, req ActionRequest) (*Operation, error) {
	if b == nil || b.provider == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链状态提供者")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	callData, target, err := encodeCallData(req)
	if err != nil {
		return nil, err
	}

	nonce, err := b.provider.GetNonce(ctx, wallet)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取钱包 nonce 失败")
	}
	prices, err := b.provider.GetGasPrices(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 gas 价格失败")
	}
	callGas, err := b.provider.EstimateGas(ctx, wallet, target, callData, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "预估调用 gas 失败")
	}

	return &Operation{
		Sender:               wallet,
		Nonce:                new(big.Int).SetUint64(nonce),
		InitCode:             []byte{},
		CallData:             callData,
		CallGasLimit:         callGas,
		VerificationGasLimit: DefaultVerificationGasLimit,
		PreVerificationGas:   DefaultPreVerificationGas,
		MaxFeePerGas:         prices.MaxFeePerGas,
		MaxPriorityFeePerGas: prices.MaxPriorityFeePerGas,
		PaymasterAndData:     []byte{},
	}, nil
}

// encodeCallData 按动作类型编码钱包调用，返回调用数据和 gas 预估目标。
func encodeCallData(req ActionRequest) ([]byte, common.Address, error) {
	amount, ok := permission.ParseAmount(req.Amount)
	if !ok {
		return nil, common.Address{}, xerrors.New(CodeRequestValidation, "金额必须为非负十进制整数")
	}

	switch req.Action {
	case permission.ActionTransfer:
		return encodeTokenCall("transfer", req, amount)
	case permission.ActionApprove:
		return encodeTokenCall("approve", req, amount)
	case permission.ActionSwap, permission.ActionBridge, permission.ActionCCTP, permission.ActionGateway:
		return encodeRawCall(req)
	default:
		return nil, common.Address{}, xerrors.New(CodeRequestValidation, "不支持的动作类型: "+string(req.Action))
	}
}

// encodeTokenCall 把代币调用包进钱包的 execute。未指定代币地址时
// 视为原生币转账。
func encodeTokenCall(method string, req ActionRequest, amount *big.Int) ([]byte, common.Address, error) {
	dest := common.HexToAddress(strings.TrimSpace(req.Destination))

	if strings.TrimSpace(req.TokenAddress) == "" {
		if method == "approve" {
			return nil, common.Address{}, xerrors.New(CodeRequestValidation, "approve 必须指定代币地址")
		}
		callData, err := walletABI.Pack("execute", dest, amount, []byte{})
		if err != nil {
			return nil, common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码钱包调用失败")
		}
		return callData, dest, nil
	}

	token := common.HexToAddress(strings.TrimSpace(req.TokenAddress))
	inner, err := erc20ABI.Pack(method, dest, amount)
	if err != nil {
		return nil, common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码代币调用失败")
	}
	callData, err := walletABI.Pack("execute", token, new(big.Int), inner)
	if err != nil {
		return nil, common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码钱包调用失败")
	}
	return callData, token, nil
}

// encodeRawCall 对携带函数签名与参数的原始合约调用编码，同样包进
// 钱包的 execute。
func encodeRawCall(req ActionRequest) ([]byte, common.Address, error) {
	call := req.ContractCall
	if call == nil {
		return nil, common.Address{}, ErrMissingContractCall
	}
	target := common.HexToAddress(strings.TrimSpace(call.ContractAddress))

	inner, err := packFunctionCall(call.ABIFunctionSignature, call.ABIParameters)
	if err != nil {
		return nil, common.Address{}, err
	}
	callData, err := walletABI.Pack("execute", target, new(big.Int), inner)
	if err != nil {
		return nil, common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码钱包调用失败")
	}
	return callData, target, nil
}

// packFunctionCall 根据规范化函数签名编码调用数据：
// 选择器为签名 keccak 的前四个字节，参数按 ABI 规则编码。
func packFunctionCall(signature string, params []any) ([]byte, error) {
	signature = strings.TrimSpace(signature)
	open := strings.Index(signature, "(")
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return nil, xerrors.New(CodeMissingContractCall, "函数签名格式非法: "+signature)
	}

	typesPart := signature[open+1 : len(signature)-1]
	var typeNames []string
	if strings.TrimSpace(typesPart) != "" {
		typeNames = strings.Split(typesPart, ",")
	}
	if len(typeNames) != len(params) {
		return nil, xerrors.New(CodeMissingContractCall,
			fmt.Sprintf("参数数量不匹配: 签名需要 %d 个, 实际 %d 个", len(typeNames), len(params)))
	}

	arguments := make(abi.Arguments, 0, len(typeNames))
	values := make([]any, 0, len(typeNames))
	for i, typeName := range typeNames {
		typeName = strings.TrimSpace(typeName)
		abiType, err := abi.NewType(typeName, "", nil)
		if err != nil {
			return nil, xerrors.Wrap(CodeMissingContractCall, err, "不支持的参数类型: "+typeName)
		}
		value, err := convertABIValue(abiType, typeName, params[i])
		if err != nil {
			return nil, err
		}
		arguments = append(arguments, abi.Argument{Type: abiType})
		values = append(values, value)
	}

	encoded, err := arguments.Pack(values...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}

	selector := crypto.Keccak256([]byte(signature))[:4]
	return append(selector, encoded...), nil
}

// convertABIValue 把调用方传入的 JSON 值转换为 ABI 编码所需的 Go 类型。
func convertABIValue(abiType abi.Type, typeName string, raw any) (any, error) {
	switch abiType.T {
	case abi.AddressTy:
		str, ok := raw.(string)
		if !ok || !common.IsHexAddress(strings.TrimSpace(str)) {
			return nil, xerrors.New(CodeMissingContractCall, "参数必须为合法地址")
		}
		return common.HexToAddress(strings.TrimSpace(str)), nil
	case abi.UintTy, abi.IntTy:
		value, err := toBigInt(raw)
		if err != nil {
			return nil, err
		}
		if abiType.Size > 64 {
			return value, nil
		}
		// 小宽度整数在 ABI 编码时要求精确的 Go 类型。
		return narrowInteger(abiType, value)
	case abi.BoolTy:
		b, ok := raw.(bool)
		if !ok {
			return nil, xerrors.New(CodeMissingContractCall, "参数必须为布尔值")
		}
		return b, nil
	case abi.StringTy:
		str, ok := raw.(string)
		if !ok {
			return nil, xerrors.New(CodeMissingContractCall, "参数必须为字符串")
		}
		return str, nil
	case abi.BytesTy:
		str, ok := raw.(string)
		if !ok {
			return nil, xerrors.New(CodeMissingContractCall, "bytes 参数必须为十六进制字符串")
		}
		decoded, err := hexutil.Decode(str)
		if err != nil {
			return nil, xerrors.Wrap(CodeMissingContractCall, err, "解析 bytes 参数失败")
		}
		return decoded, nil
	case abi.FixedBytesTy:
		if abiType.Size != 32 {
			return nil, xerrors.New(CodeMissingContractCall, "仅支持 bytes32 定长参数")
		}
		str, ok := raw.(string)
		if !ok {
			return nil, xerrors.New(CodeMissingContractCall, "bytes32 参数必须为十六进制字符串")
		}
		return common.HexToHash(str), nil
	case abi.SliceTy:
		items, ok := raw.([]any)
		if !ok {
			return nil, xerrors.New(CodeMissingContractCall, "数组参数必须为列表")
		}
		elemName := strings.TrimSuffix(typeName, "[]")
		switch abiType.Elem.T {
		case abi.AddressTy:
			out := make([]common.Address, 0, len(items))
			for _, item := range items {
				value, err := convertABIValue(*abiType.Elem, elemName, item)
				if err != nil {
					return nil, err
				}
				out = append(out, value.(common.Address))
			}
			return out, nil
		case abi.UintTy, abi.IntTy:
			out := make([]*big.Int, 0, len(items))
			for _, item := range items {
				value, err := toBigInt(item)
				if err != nil {
					return nil, err
				}
				out = append(out, value)
			}
			return out, nil
		default:
			return nil, xerrors.New(CodeMissingContractCall, "不支持的数组元素类型: "+elemName)
		}
	default:
		return nil, xerrors.New(CodeMissingContractCall, "不支持的参数类型: "+typeName)
	}
}

func toBigInt(raw any) (*big.Int, error) {
	switch v := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		base := 10
		if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
			trimmed = trimmed[2:]
			base = 16
		}
		value, ok := new(big.Int).SetString(trimmed, base)
		if !ok {
			return nil, xerrors.New(CodeMissingContractCall, "整数参数格式非法")
		}
		return value, nil
	case float64:
		// JSON 数字默认解码为 float64，只接受无小数部分的值。
		if v != float64(int64(v)) {
			return nil, xerrors.New(CodeMissingContractCall, "整数参数不能包含小数")
		}
		return big.NewInt(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case *big.Int:
		return v, nil
	default:
		return nil, xerrors.New(CodeMissingContractCall, "整数参数类型非法")
	}
}

func narrowInteger(abiType abi.Type, value *big.Int) (any, error) {
	if !value.IsUint64() && abiType.T == abi.UintTy {
		return nil, xerrors.New(CodeMissingContractCall, "整数参数超出类型宽度")
	}
	switch {
	case abiType.T == abi.UintTy && abiType.Size == 8:
		return uint8(value.Uint64()), nil
	case abiType.T == abi.UintTy && abiType.Size == 16:
		return uint16(value.Uint64()), nil
	case abiType.T == abi.UintTy && abiType.Size == 32:
		return uint32(value.Uint64()), nil
	case abiType.T == abi.UintTy && abiType.Size == 64:
		return value.Uint64(), nil
	case abiType.T == abi.IntTy && abiType.Size == 8:
		return int8(value.Int64()), nil
	case abiType.T == abi.IntTy && abiType.Size == 16:
		return int16(value.Int64()), nil
	case abiType.T == abi.IntTy && abiType.Size == 32:
		return int32(value.Int64()), nil
	case abiType.T == abi.IntTy && abiType.Size == 64:
		return value.Int64(), nil
	default:
		return value, nil
	}
}
