package bundler

import (
	"context"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/userop"
	"AgentPay-Chain/pkg/logger"
)

// Worker 从队列消费已签名操作并提交到 bundler。提交失败只记录
// 与告警，不会把操作重新入队：签名绑定了 nonce，过期重放没有意义。
type Worker struct {
	submitter   *Submitter
	consumer    Consumer
	workerCount int
	alerter     alerting.Dispatcher
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithSubmitWorkers 设置消费协程数量。
func WithSubmitWorkers(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithWorkerAlerter 配置告警派发器。
func WithWorkerAlerter(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// NewWorker 构造提交工作器。
func NewWorker(submitter *Submitter, consumer Consumer, opts ...WorkerOption) *Worker {
	w := &Worker{
		submitter:   submitter,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动消费循环，直到上下文取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil || w.submitter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "提交工作器未初始化")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, op *userop.Operation) error {
	hash, err := w.submitter.Submit(ctx, op)
	if err != nil {
		logger.L().Error("队列操作提交失败",
			slog.Any("error", err),
			slog.String("sender", op.Sender.Hex()),
		)
		w.emitAlert(ctx, op, err)
		return err
	}
	logger.L().Info("队列操作提交成功",
		slog.String("operation_hash", hash.Hex()),
		slog.String("sender", op.Sender.Hex()),
	)
	return nil
}

func (w *Worker) emitAlert(ctx context.Context, op *userop.Operation, cause error) {
	if w == nil || w.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	event := alerting.Event{
		Code:     code,
		Message:  cause.Error(),
		Severity: attrs.Severity,
		Stage:    "submit",
		Metadata: map[string]string{
			"sender": op.Sender.Hex(),
		},
		OccurredAt: time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("sender", op.Sender.Hex()),
		)
	}
}
