package userop

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"AgentPay-Chain/internal/keyring"
)

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func sampleOperation() *Operation {
	return &Operation{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                big.NewInt(7),
		InitCode:             []byte{},
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6, 0x01},
		CallGasLimit:         84_000,
		VerificationGasLimit: DefaultVerificationGasLimit,
		PreVerificationGas:   DefaultPreVerificationGas,
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
		PaymasterAndData:     []byte{},
	}
}

func TestOperationHashDeterministic(t *testing.T) {
	chainID := big.NewInt(84532)
	h1 := OperationHash(sampleOperation(), testEntryPoint, chainID)
	h2 := OperationHash(sampleOperation(), testEntryPoint, chainID)
	if h1 != h2 {
		t.Fatalf("相同字段必须得到相同哈希: %s != %s", h1.Hex(), h2.Hex())
	}
}

func TestOperationHashSensitiveToFields(t *testing.T) {
	chainID := big.NewInt(84532)
	base := OperationHash(sampleOperation(), testEntryPoint, chainID)

	mutated := sampleOperation()
	mutated.Nonce = big.NewInt(8)
	if OperationHash(mutated, testEntryPoint, chainID) == base {
		t.Fatalf("nonce 变化后哈希必须不同")
	}

	mutated = sampleOperation()
	mutated.CallData = append(mutated.CallData, 0xff)
	if OperationHash(mutated, testEntryPoint, chainID) == base {
		t.Fatalf("callData 变化后哈希必须不同")
	}

	if OperationHash(sampleOperation(), testEntryPoint, big.NewInt(1)) == base {
		t.Fatalf("链 ID 变化后哈希必须不同")
	}
	if OperationHash(sampleOperation(), common.HexToAddress("0x6666666666666666666666666666666666666666"), chainID) == base {
		t.Fatalf("入口地址变化后哈希必须不同")
	}
}

func TestOperationHashIgnoresSignature(t *testing.T) {
	chainID := big.NewInt(84532)
	base := OperationHash(sampleOperation(), testEntryPoint, chainID)

	signed := sampleOperation()
	signed.Signature = bytes.Repeat([]byte{0xab}, 65)
	if OperationHash(signed, testEntryPoint, chainID) != base {
		t.Fatalf("签名字段不应参与哈希")
	}
}

func TestSignOperationRecoverable(t *testing.T) {
	keys := keyring.NewLocal()
	addr, err := keys.Generate()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}

	chainID := big.NewInt(84532)
	signer := NewSigner(keys, testEntryPoint, chainID)
	op := sampleOperation()
	if err := signer.SignOperation(context.Background(), addr, op); err != nil {
		t.Fatalf("SignOperation 失败: %v", err)
	}
	if len(op.Signature) != 65 {
		t.Fatalf("签名长度期望 65, 实际 %d", len(op.Signature))
	}

	hash := signer.OperationHash(op)
	sig := make([]byte, len(op.Signature))
	copy(sig, op.Signature)
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		t.Fatalf("恢复公钥失败: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != addr {
		t.Fatalf("恢复地址不匹配: 期望 %s, 实际 %s", addr.Hex(), recovered.Hex())
	}
}

func TestSignOperationMissingKeyHardFails(t *testing.T) {
	signer := NewSigner(keyring.NewLocal(), testEntryPoint, big.NewInt(84532))
	op := sampleOperation()

	err := signer.SignOperation(context.Background(), common.HexToAddress("0x7777777777777777777777777777777777777777"), op)
	if err == nil {
		t.Fatalf("密钥缺失时必须硬失败")
	}
	if op.Signed() {
		t.Fatalf("失败路径不允许写入签名")
	}
}

func TestSignTypedData(t *testing.T) {
	keys := keyring.NewLocal()
	addr, err := keys.Generate()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}

	typed := apitypes.TypedData{
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
			"wallet": "0x1111111111111111111111111111111111111111",
			"amount": "500000",
		},
	}

	signer := NewSigner(keys, testEntryPoint, big.NewInt(84532))
	sig, digest, err := signer.SignTypedData(context.Background(), addr, typed)
	if err != nil {
		t.Fatalf("SignTypedData 失败: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("签名长度期望 65, 实际 %d", len(sig))
	}
	if digest == (common.Hash{}) {
		t.Fatalf("摘要不应为空")
	}

	recoverSig := make([]byte, len(sig))
	copy(recoverSig, sig)
	recoverSig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(digest.Bytes(), recoverSig)
	if err != nil {
		t.Fatalf("恢复公钥失败: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != addr {
		t.Fatalf("恢复地址不匹配: 期望 %s, 实际 %s", addr.Hex(), recovered.Hex())
	}
}
