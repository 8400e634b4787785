package bundler

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/userop"
)

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

type fakeClient struct {
	mu         sync.Mutex
	sent       []*userop.Operation
	entryPoint common.Address
	failNonce  uint64
}

func (c *fakeClient) SendUserOperation(_ context.Context, op *userop.Operation, entryPoint common.Address) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNonce != 0 && op.Nonce.Uint64() == c.failNonce {
		return common.Hash{}, xerrors.New(CodeBundlerRejected, "bundler 拒绝操作")
	}
	c.sent = append(c.sent, op)
	c.entryPoint = entryPoint
	return common.BytesToHash(crypto.Keccak256(op.CallData)), nil
}

func (c *fakeClient) Close() error { return nil }

func signedOp(nonce uint64) *userop.Operation {
	return &userop.Operation{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                new(big.Int).SetUint64(nonce),
		CallData:             []byte{byte(nonce), 0x01, 0x02},
		CallGasLimit:         84_000,
		VerificationGasLimit: userop.DefaultVerificationGasLimit,
		PreVerificationGas:   userop.DefaultPreVerificationGas,
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
		Signature:            bytes.Repeat([]byte{0xab}, 65),
	}
}

func TestSubmitRejectsUnsignedOperation(t *testing.T) {
	submitter := NewSubmitter(&fakeClient{}, testEntryPoint)
	op := signedOp(1)
	op.Signature = nil

	_, err := submitter.Submit(context.Background(), op)
	if err == nil {
		t.Fatalf("未签名操作必须被拒绝")
	}
	if xerrors.CodeOf(err) != CodeUnsignedOperation {
		t.Fatalf("错误码期望 %s, 实际 %s", CodeUnsignedOperation, xerrors.CodeOf(err))
	}
}

func TestSubmitPassesEntryPoint(t *testing.T) {
	client := &fakeClient{}
	submitter := NewSubmitter(client, testEntryPoint)

	hash, err := submitter.Submit(context.Background(), signedOp(1))
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	if hash == (common.Hash{}) {
		t.Fatalf("提交成功应返回非空哈希")
	}
	if client.entryPoint != testEntryPoint {
		t.Fatalf("入口地址未透传: %s", client.entryPoint.Hex())
	}
}

func TestSubmitBatchPreservesOrderAndIsolatesFailures(t *testing.T) {
	client := &fakeClient{failNonce: 2}
	submitter := NewSubmitter(client, testEntryPoint)

	ops := []*userop.Operation{signedOp(1), signedOp(2), signedOp(3)}
	results := submitter.SubmitBatch(context.Background(), ops)

	if len(results) != 3 {
		t.Fatalf("结果数量期望 3, 实际 %d", len(results))
	}
	for i, res := range results {
		if res.Index != i {
			t.Fatalf("结果顺序错乱: 位置 %d 的 Index 为 %d", i, res.Index)
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("第 1、3 个操作应提交成功: %v, %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil {
		t.Fatalf("第 2 个操作应提交失败")
	}
	if len(client.sent) != 2 {
		t.Fatalf("bundler 应收到 2 个操作, 实际 %d", len(client.sent))
	}
	if client.sent[0].Nonce.Uint64() != 1 || client.sent[1].Nonce.Uint64() != 3 {
		t.Fatalf("提交顺序必须与输入一致")
	}
}

func TestMemoryQueueDeliversToWorker(t *testing.T) {
	queue := NewMemoryQueue(8)
	client := &fakeClient{}
	worker := NewWorker(NewSubmitter(client, testEntryPoint), queue, WithSubmitWorkers(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = worker.Start(ctx)
		close(done)
	}()

	for i := 1; i <= 5; i++ {
		if err := queue.Publish(ctx, signedOp(uint64(i))); err != nil {
			t.Fatalf("Publish 失败: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		count := len(client.sent)
		client.mu.Unlock()
		if count == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("等待消费超时, 已提交 %d 个", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
