package userop

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/permission"
)

type fakeProvider struct {
	nonce   uint64
	gas     uint64
	prices  chain.GasPrices
	chainID *big.Int

	lastTarget common.Address
	lastData   []byte
}

func (f *fakeProvider) GetNonce(_ context.Context, _ common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeProvider) EstimateGas(_ context.Context, _, target common.Address, data []byte, _ *big.Int) (uint64, error) {
	f.lastTarget = target
	f.lastData = data
	return f.gas, nil
}

func (f *fakeProvider) GetGasPrices(_ context.Context) (chain.GasPrices, error) {
	return f.prices, nil
}

func (f *fakeProvider) ChainID(_ context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeProvider) Close() {}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		nonce: 7,
		gas:   84_000,
		prices: chain.GasPrices{
			MaxFeePerGas:         big.NewInt(30_000_000_000),
			MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
		},
		chainID: big.NewInt(84532),
	}
}

func executeSelector() []byte {
	return crypto.Keccak256([]byte("execute(address,uint256,bytes)"))[:4]
}

func TestBuildTokenTransfer(t *testing.T) {
	provider := newFakeProvider()
	builder := NewBuilder(provider)

	token := "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	op, err := builder.Build(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"), ActionRequest{
		Action:       permission.ActionTransfer,
		Amount:       "500000",
		Destination:  "0x2222222222222222222222222222222222222222",
		TokenAddress: token,
	})
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}

	if op.Nonce.Uint64() != 7 {
		t.Fatalf("nonce 期望 7, 实际 %d", op.Nonce.Uint64())
	}
	if op.CallGasLimit != 84_000 {
		t.Fatalf("callGasLimit 期望 84000, 实际 %d", op.CallGasLimit)
	}
	if op.VerificationGasLimit != DefaultVerificationGasLimit {
		t.Fatalf("verificationGasLimit 期望默认值, 实际 %d", op.VerificationGasLimit)
	}
	if op.PreVerificationGas != DefaultPreVerificationGas {
		t.Fatalf("preVerificationGas 期望默认值, 实际 %d", op.PreVerificationGas)
	}
	if op.MaxFeePerGas.Cmp(big.NewInt(30_000_000_000)) != 0 {
		t.Fatalf("maxFeePerGas 与链上建议不一致")
	}
	if !bytes.HasPrefix(op.CallData, executeSelector()) {
		t.Fatalf("callData 应以钱包 execute 选择器开头")
	}
	if provider.lastTarget != common.HexToAddress(token) {
		t.Fatalf("gas 预估目标应为代币合约, 实际 %s", provider.lastTarget.Hex())
	}
	if op.Signed() {
		t.Fatalf("新构造的操作不应携带签名")
	}
}

func TestBuildNativeTransfer(t *testing.T) {
	provider := newFakeProvider()
	builder := NewBuilder(provider)

	dest := common.HexToAddress("0x3333333333333333333333333333333333333333")
	op, err := builder.Build(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"), ActionRequest{
		Action:      permission.ActionTransfer,
		Amount:      "1000000000000000000",
		Destination: dest.Hex(),
	})
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	if !bytes.HasPrefix(op.CallData, executeSelector()) {
		t.Fatalf("callData 应以钱包 execute 选择器开头")
	}
	if provider.lastTarget != dest {
		t.Fatalf("原生币转账的预估目标应为收款地址")
	}
}

func TestBuildRawContractCall(t *testing.T) {
	provider := newFakeProvider()
	builder := NewBuilder(provider)

	op, err := builder.Build(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"), ActionRequest{
		Action: permission.ActionSwap,
		Amount: "250000",
		ContractCall: &ContractCall{
			ContractAddress:      "0x4444444444444444444444444444444444444444",
			ABIFunctionSignature: "swapExactTokensForTokens(uint256,uint256,address)",
			ABIParameters: []any{
				"250000",
				"240000",
				"0x5555555555555555555555555555555555555555",
			},
		},
	})
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	if !bytes.HasPrefix(op.CallData, executeSelector()) {
		t.Fatalf("callData 应以钱包 execute 选择器开头")
	}

	innerSelector := crypto.Keccak256([]byte("swapExactTokensForTokens(uint256,uint256,address)"))[:4]
	if !bytes.Contains(op.CallData, innerSelector) {
		t.Fatalf("callData 应包含目标函数选择器")
	}
}

func TestBuildRejectsMissingContractCall(t *testing.T) {
	builder := NewBuilder(newFakeProvider())

	_, err := builder.Build(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"), ActionRequest{
		Action: permission.ActionBridge,
		Amount: "100",
	})
	if err == nil {
		t.Fatalf("缺少合约调用详情时应当失败")
	}
}

func TestBuildRejectsParameterCountMismatch(t *testing.T) {
	builder := NewBuilder(newFakeProvider())

	_, err := builder.Build(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"), ActionRequest{
		Action: permission.ActionSwap,
		Amount: "100",
		ContractCall: &ContractCall{
			ContractAddress:      "0x4444444444444444444444444444444444444444",
			ABIFunctionSignature: "swap(uint256,address)",
			ABIParameters:        []any{"100"},
		},
	})
	if err == nil {
		t.Fatalf("参数数量不匹配时应当失败")
	}
}

func TestValidateRejectsMalformedRequests(t *testing.T) {
	cases := []struct {
		name string
		req  ActionRequest
	}{
		{"未知动作", ActionRequest{Action: "stake", Amount: "100", Destination: "0x2222222222222222222222222222222222222222"}},
		{"负金额", ActionRequest{Action: permission.ActionTransfer, Amount: "-1", Destination: "0x2222222222222222222222222222222222222222"}},
		{"小数金额", ActionRequest{Action: permission.ActionTransfer, Amount: "1.5", Destination: "0x2222222222222222222222222222222222222222"}},
		{"目标地址非法", ActionRequest{Action: permission.ActionTransfer, Amount: "100", Destination: "not-an-address"}},
		{"代币地址非法", ActionRequest{Action: permission.ActionApprove, Amount: "100", Destination: "0x2222222222222222222222222222222222222222", TokenAddress: "bad"}},
		{"缺少合约调用", ActionRequest{Action: permission.ActionCCTP, Amount: "100"}},
		{"缺少函数签名", ActionRequest{Action: permission.ActionGateway, Amount: "100", ContractCall: &ContractCall{ContractAddress: "0x4444444444444444444444444444444444444444"}}},
	}
	for _, tc := range cases {
		if err := tc.req.Validate(); err == nil {
			t.Fatalf("%s: 应当校验失败", tc.name)
		}
	}
}
