package bundler

import (
	"context"
	"errors"
	"sync"

	"AgentPay-Chain/internal/userop"
)

// Handler 处理从队列取出的已签名操作。
type Handler func(ctx context.Context, op *userop.Operation) error

// Producer 负责向队列投递已签名操作。
type Producer interface {
	Publish(ctx context.Context, op *userop.Operation) error
	Close() error
}

// Consumer 负责从队列消费已签名操作。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// MemoryQueue 使用 channel 模拟提交队列，主要用于测试与单机部署。
type MemoryQueue struct {
	ch     chan *userop.Operation
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan *userop.Operation, size)}
}

// Publish 将操作投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, op *userop.Operation) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- op:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的操作。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case op, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, op)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
