package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"AgentPay-Chain/internal/bundler"
	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/keyring"
	"AgentPay-Chain/internal/permission"
	"AgentPay-Chain/internal/sessionkey"
	"AgentPay-Chain/internal/userop"
)

var (
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testWallet     = "0x1111111111111111111111111111111111111111"
	testDest       = "0x2222222222222222222222222222222222222222"
)

type fakeProvider struct{}

func (fakeProvider) GetNonce(_ context.Context, _ common.Address) (uint64, error) { return 1, nil }
func (fakeProvider) EstimateGas(_ context.Context, _, _ common.Address, _ []byte, _ *big.Int) (uint64, error) {
	return 84_000, nil
}
func (fakeProvider) GetGasPrices(_ context.Context) (chain.GasPrices, error) {
	return chain.GasPrices{
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
	}, nil
}
func (fakeProvider) ChainID(_ context.Context) (*big.Int, error) { return big.NewInt(84532), nil }
func (fakeProvider) Close()                                      {}

type fakeBundler struct {
	sent []*userop.Operation
}

func (b *fakeBundler) SendUserOperation(_ context.Context, op *userop.Operation, _ common.Address) (common.Hash, error) {
	b.sent = append(b.sent, op)
	return common.BytesToHash(crypto.Keccak256(op.CallData)), nil
}

func (b *fakeBundler) Close() error { return nil }

type testRig struct {
	engine  *Engine
	store   *sessionkey.MemoryStore
	service *sessionkey.Service
	bundler *fakeBundler
	signer  common.Address
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	keys := keyring.NewLocal()
	signerAddr, err := keys.Generate()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}

	store := sessionkey.NewMemoryStore()
	service := sessionkey.NewService(store)
	builder := userop.NewBuilder(fakeProvider{})
	opSigner := userop.NewSigner(keys, testEntryPoint, big.NewInt(84532))
	client := &fakeBundler{}
	submitter := bundler.NewSubmitter(client, testEntryPoint)

	return &testRig{
		engine:  New(service, builder, opSigner, submitter, WithChainName("base-sepolia")),
		store:   store,
		service: service,
		bundler: client,
		signer:  signerAddr,
	}
}

func (r *testRig) seedSession(t *testing.T, perms permission.Permission, status sessionkey.Status, expiresAt int64) *sessionkey.SessionKey {
	t.Helper()
	key := &sessionkey.SessionKey{
		ID:                 uuid.NewString(),
		WalletID:           "wallet-1",
		UserID:             "user-1",
		SignerAddress:      r.signer.Hex(),
		SmartWalletAddress: testWallet,
		Status:             status,
		Permissions:        perms,
		CreatedAt:          time.Now().Unix(),
		ExpiresAt:          expiresAt,
	}
	if err := r.store.Create(context.Background(), key); err != nil {
		t.Fatalf("写入会话密钥失败: %v", err)
	}
	return key
}

func defaultScope() sessionkey.Scope {
	return sessionkey.Scope{WalletID: "wallet-1", UserID: "user-1"}
}

func transferPerms(limit int64, expiresAt int64) permission.Permission {
	return permission.Permission{
		AllowedActions: []permission.ActionKind{permission.ActionTransfer},
		SpendingLimit:  big.NewInt(limit),
		SpendingUsed:   new(big.Int),
		ExpiryTime:     expiresAt,
	}
}

func transferRequest(amount string) userop.ActionRequest {
	return userop.ActionRequest{
		Action:      permission.ActionTransfer,
		Amount:      amount,
		Destination: testDest,
	}
}

func TestExecuteWithinLimitConfirms(t *testing.T) {
	rig := newTestRig(t)
	expiresAt := time.Now().Add(time.Hour).Unix()
	key := rig.seedSession(t, transferPerms(1_000_000, expiresAt), sessionkey.StatusActive, expiresAt)

	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), transferRequest("500000"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeConfirmed {
		t.Fatalf("结果期望 confirmed, 实际 %s (%s)", outcome.Kind, outcome.Detail)
	}
	if outcome.OperationHash == (common.Hash{}) {
		t.Fatalf("确认结果应携带操作哈希")
	}
	if len(rig.bundler.sent) != 1 || !rig.bundler.sent[0].Signed() {
		t.Fatalf("bundler 应收到一个已签名操作")
	}

	stored, err := rig.store.Get(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("读取会话密钥失败: %v", err)
	}
	if stored.Permissions.SpendingUsed.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("spending_used 期望 500000, 实际 %s", stored.Permissions.SpendingUsed)
	}
}

func TestExecuteOverLimitFallsBack(t *testing.T) {
	rig := newTestRig(t)
	expiresAt := time.Now().Add(time.Hour).Unix()
	key := rig.seedSession(t, transferPerms(1_000_000, expiresAt), sessionkey.StatusActive, expiresAt)

	ctx := context.Background()
	if outcome, err := rig.engine.ExecuteDelegated(ctx, defaultScope(), transferRequest("500000")); err != nil || outcome.Kind != OutcomeConfirmed {
		t.Fatalf("首次执行应确认: %v / %+v", err, outcome)
	}

	outcome, err := rig.engine.ExecuteDelegated(ctx, defaultScope(), transferRequest("600000"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeFallbackRequired || outcome.Reason != ReasonSpendingLimitExceeded {
		t.Fatalf("超限请求应回退人工确认, 实际 %s/%s", outcome.Kind, outcome.Reason)
	}

	stored, err := rig.store.Get(ctx, key.ID)
	if err != nil {
		t.Fatalf("读取会话密钥失败: %v", err)
	}
	if stored.Permissions.SpendingUsed.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("被拒绝的请求不得改变 spending_used, 实际 %s", stored.Permissions.SpendingUsed)
	}
	if len(rig.bundler.sent) != 1 {
		t.Fatalf("被拒绝的请求不得到达 bundler")
	}
}

func TestExecuteExpiredSessionFallsBackRegardlessOfHeadroom(t *testing.T) {
	rig := newTestRig(t)
	expiredAt := time.Now().Add(-time.Hour).Unix()
	rig.seedSession(t, transferPerms(1_000_000, expiredAt), sessionkey.StatusActive, expiredAt)

	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), transferRequest("1"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeFallbackRequired || outcome.Reason != ReasonSessionExpired {
		t.Fatalf("过期会话应回退, 实际 %s/%s", outcome.Kind, outcome.Reason)
	}
	if len(rig.bundler.sent) != 0 {
		t.Fatalf("过期会话的请求不得到达 bundler")
	}
}

func TestExecuteDisallowedActionFallsBack(t *testing.T) {
	rig := newTestRig(t)
	expiresAt := time.Now().Add(time.Hour).Unix()
	rig.seedSession(t, transferPerms(1_000_000, expiresAt), sessionkey.StatusActive, expiresAt)

	req := userop.ActionRequest{
		Action: permission.ActionSwap,
		Amount: "100",
		ContractCall: &userop.ContractCall{
			ContractAddress:      "0x4444444444444444444444444444444444444444",
			ABIFunctionSignature: "swap(uint256)",
			ABIParameters:        []any{"100"},
		},
	}
	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), req)
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeFallbackRequired || outcome.Reason != ReasonActionNotAllowed {
		t.Fatalf("未授权动作应回退, 实际 %s/%s", outcome.Kind, outcome.Reason)
	}
}

func TestExecuteMalformedRequestDenied(t *testing.T) {
	rig := newTestRig(t)
	expiresAt := time.Now().Add(time.Hour).Unix()
	rig.seedSession(t, transferPerms(1_000_000, expiresAt), sessionkey.StatusActive, expiresAt)

	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), userop.ActionRequest{
		Action:      permission.ActionTransfer,
		Amount:      "100",
		Destination: "not-an-address",
	})
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeDenied {
		t.Fatalf("格式非法的请求应被拒绝, 实际 %s", outcome.Kind)
	}
}

func TestExecuteNoSessionFallsBack(t *testing.T) {
	rig := newTestRig(t)

	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), transferRequest("100"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeFallbackRequired || outcome.Reason != ReasonNoActiveSession {
		t.Fatalf("无会话应回退, 实际 %s/%s", outcome.Kind, outcome.Reason)
	}
}

func TestExecuteAutoRenewsExpiredSession(t *testing.T) {
	rig := newTestRig(t)
	expiredAt := time.Now().Add(-time.Hour).Unix()
	perms := transferPerms(1_000_000, expiredAt)
	perms.AutoRenew = true
	perms.MaxRenewals = 1
	key := rig.seedSession(t, perms, sessionkey.StatusActive, expiredAt)

	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), transferRequest("500000"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeConfirmed {
		t.Fatalf("自动续期后应确认, 实际 %s/%s (%s)", outcome.Kind, outcome.Reason, outcome.Detail)
	}

	stored, err := rig.store.Get(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("读取会话密钥失败: %v", err)
	}
	if stored.Permissions.RenewalsUsed != 1 {
		t.Fatalf("续期额度应被消耗, 实际 %d", stored.Permissions.RenewalsUsed)
	}
	if stored.Status != sessionkey.StatusActive {
		t.Fatalf("续期后状态应为 active, 实际 %s", stored.Status)
	}
}

func TestExecuteRenewalExhaustedFallsBack(t *testing.T) {
	rig := newTestRig(t)
	expiredAt := time.Now().Add(-time.Hour).Unix()
	perms := transferPerms(1_000_000, expiredAt)
	perms.AutoRenew = true
	perms.MaxRenewals = 2
	perms.RenewalsUsed = 2
	rig.seedSession(t, perms, sessionkey.StatusActive, expiredAt)

	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), transferRequest("100"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeFallbackRequired || outcome.Reason != ReasonRenewalNotAllowed {
		t.Fatalf("续期耗尽应回退, 实际 %s/%s", outcome.Kind, outcome.Reason)
	}
}

func TestExecuteScopeRestrictedToken(t *testing.T) {
	rig := newTestRig(t)
	expiresAt := time.Now().Add(time.Hour).Unix()
	perms := transferPerms(1_000_000, expiresAt)
	perms.AllowedTokens = []string{"0x036CbD53842c5426634e7929541eC2318f3dCF7e"}
	rig.seedSession(t, perms, sessionkey.StatusActive, expiresAt)

	req := transferRequest("100")
	req.TokenAddress = "0x9999999999999999999999999999999999999999"
	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), req)
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeFallbackRequired || outcome.Reason != ReasonScopeRestricted {
		t.Fatalf("代币越权应回退, 实际 %s/%s", outcome.Kind, outcome.Reason)
	}
}

func TestExecutePerTransactionLimit(t *testing.T) {
	rig := newTestRig(t)
	expiresAt := time.Now().Add(time.Hour).Unix()
	perms := transferPerms(1_000_000, expiresAt)
	perms.MaxAmountPerTxn = big.NewInt(1000)
	key := rig.seedSession(t, perms, sessionkey.StatusActive, expiresAt)

	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), transferRequest("2000"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeFallbackRequired || outcome.Reason != ReasonPerTxnLimitExceeded {
		t.Fatalf("单笔超限应回退, 实际 %s/%s", outcome.Kind, outcome.Reason)
	}

	stored, _ := rig.store.Get(context.Background(), key.ID)
	if stored.Permissions.SpendingUsed.Sign() != 0 {
		t.Fatalf("单笔超限不得扣减额度")
	}
}

func TestExecuteSigningKeyUnavailableHardFails(t *testing.T) {
	rig := newTestRig(t)
	expiresAt := time.Now().Add(time.Hour).Unix()

	// 会话指向一个密钥环里不存在的签名地址。
	broken := &sessionkey.SessionKey{
		ID:                 uuid.NewString(),
		WalletID:           "wallet-1",
		UserID:             "user-1",
		SignerAddress:      "0x8888888888888888888888888888888888888888",
		SmartWalletAddress: testWallet,
		Status:             sessionkey.StatusActive,
		Permissions:        transferPerms(1_000_000, expiresAt),
		CreatedAt:          time.Now().Unix(),
		ExpiresAt:          expiresAt,
	}
	if err := rig.store.Create(context.Background(), broken); err != nil {
		t.Fatalf("写入会话密钥失败: %v", err)
	}

	outcome, err := rig.engine.ExecuteDelegated(context.Background(), defaultScope(), transferRequest("100"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeHardFailure || outcome.Stage != "sign" {
		t.Fatalf("密钥缺失应硬失败于签名阶段, 实际 %s/%s", outcome.Kind, outcome.Stage)
	}

	// 额度已在签名前扣减且不回滚。
	stored, _ := rig.store.Get(context.Background(), broken.ID)
	if stored.Permissions.SpendingUsed.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("硬失败不退还额度, 实际 %s", stored.Permissions.SpendingUsed)
	}
	if len(rig.bundler.sent) != 0 {
		t.Fatalf("未签名的操作不得到达 bundler")
	}
}

func TestExecuteQueuedSubmission(t *testing.T) {
	keys := keyring.NewLocal()
	signerAddr, err := keys.Generate()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	store := sessionkey.NewMemoryStore()
	service := sessionkey.NewService(store)
	builder := userop.NewBuilder(fakeProvider{})
	opSigner := userop.NewSigner(keys, testEntryPoint, big.NewInt(84532))
	queue := bundler.NewMemoryQueue(4)

	eng := New(service, builder, opSigner, nil, WithSubmitQueue(queue))

	expiresAt := time.Now().Add(time.Hour).Unix()
	key := &sessionkey.SessionKey{
		ID:                 uuid.NewString(),
		WalletID:           "wallet-1",
		UserID:             "user-1",
		SignerAddress:      signerAddr.Hex(),
		SmartWalletAddress: testWallet,
		Status:             sessionkey.StatusActive,
		Permissions:        transferPerms(1_000_000, expiresAt),
		CreatedAt:          time.Now().Unix(),
		ExpiresAt:          expiresAt,
	}
	if err := store.Create(context.Background(), key); err != nil {
		t.Fatalf("写入会话密钥失败: %v", err)
	}

	outcome, err := eng.ExecuteDelegated(context.Background(), defaultScope(), transferRequest("100"))
	if err != nil {
		t.Fatalf("ExecuteDelegated 失败: %v", err)
	}
	if outcome.Kind != OutcomeSubmitted {
		t.Fatalf("队列模式应返回 submitted, 实际 %s", outcome.Kind)
	}
	if outcome.OperationHash == (common.Hash{}) {
		t.Fatalf("排队结果应携带操作哈希")
	}
}

func typedPayload() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Authorization": []apitypes.Type{
				{Name: "wallet", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "Authorization",
		Domain: apitypes.TypedDataDomain{
			Name:    "AgentPay",
			Version: "1",
			ChainId: (*math.HexOrDecimal256)(big.NewInt(84532)),
		},
		Message: apitypes.TypedDataMessage{
			"wallet": testWallet,
			"amount": "500000",
		},
	}
}

func TestSignTypedDataRequiresActiveSession(t *testing.T) {
	rig := newTestRig(t)

	_, _, err := rig.engine.SignTypedData(context.Background(), defaultScope(), typedPayload())
	if err == nil {
		t.Fatalf("无会话时类型化签名应失败")
	}
}

func TestSignTypedDataWithActiveSession(t *testing.T) {
	rig := newTestRig(t)
	expiresAt := time.Now().Add(time.Hour).Unix()
	rig.seedSession(t, transferPerms(1_000_000, expiresAt), sessionkey.StatusActive, expiresAt)

	sig, digest, err := rig.engine.SignTypedData(context.Background(), defaultScope(), typedPayload())
	if err != nil {
		t.Fatalf("SignTypedData 失败: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("签名长度期望 65, 实际 %d", len(sig))
	}

	recoverSig := make([]byte, len(sig))
	copy(recoverSig, sig)
	recoverSig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(digest.Bytes(), recoverSig)
	if err != nil {
		t.Fatalf("恢复公钥失败: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != rig.signer {
		t.Fatalf("恢复地址不匹配: 期望 %s, 实际 %s", rig.signer.Hex(), recovered.Hex())
	}
}
