package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DeploymentJob 是部署队列中的一条消息。Attempt 随消息流转，
// 重投时由投递方递增，消费者据此判断是否到达重试上限。
type DeploymentJob struct {
	AccountID string `json:"account_id"`
	Network   string `json:"network"`
	Attempt   int    `json:"attempt"`
	// EnqueuedAt 是消息首次入队的时间戳（Unix 秒）。
	EnqueuedAt int64 `json:"enqueued_at"`
}

// EncodeJob 将部署任务序列化为队列消息。
func EncodeJob(job DeploymentJob) (string, error) {
	if job.AccountID == "" {
		return "", fmt.Errorf("部署任务缺少账户 ID")
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().Unix()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("序列化部署任务失败: %w", err)
	}
	return string(raw), nil
}

// DecodeJob 从队列消息还原部署任务。
func DecodeJob(payload string) (DeploymentJob, error) {
	var job DeploymentJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return DeploymentJob{}, fmt.Errorf("解析部署任务失败: %w", err)
	}
	if job.AccountID == "" {
		return DeploymentJob{}, fmt.Errorf("部署任务缺少账户 ID")
	}
	return job, nil
}

// Handler 处理来自队列的部署任务消息。
type Handler func(ctx context.Context, payload string) error

// Producer 负责向队列投递部署任务。
type Producer interface {
	Publish(ctx context.Context, payload string) error
	Close() error
}

// Consumer 负责从队列中消费部署任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
