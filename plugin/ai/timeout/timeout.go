// Package timeout defines centralized timeout constants for AI operations.
// Package timeout 定义 AI 操作的集中式超时常量。
package timeout

import "time"

// AI operation timeout constants.
// AI 操作超时常量。
const (
	// SummarizeTimeout bounds one summarizer call during compaction.
	// SummarizeTimeout 是压缩时单次摘要调用的超时时间。
	SummarizeTimeout = 30 * time.Second

	// PersistTimeout bounds one write of a session snapshot.
	// PersistTimeout 是单次会话快照写入的超时时间。
	PersistTimeout = 5 * time.Second

	// ChatTimeout is the timeout for one chat round trip to the LLM.
	// ChatTimeout 是一次 LLM 对话请求的超时时间。
	ChatTimeout = 2 * time.Minute

	// ShutdownTimeout bounds the final flush when the server stops.
	// ShutdownTimeout 是服务停止时最终落盘的超时时间。
	ShutdownTimeout = 30 * time.Second

	// RetryBaseDelay is the first backoff step between LLM retries; it doubles per attempt.
	// RetryBaseDelay 是 LLM 重试的初始退避时间，每次翻倍。
	RetryBaseDelay = time.Second

	// MaxRetries is the maximum number of attempts for one LLM request.
	// MaxRetries 是单个 LLM 请求的最大尝试次数。
	MaxRetries = 3

	// MaxTruncateLength is the maximum length for truncating strings in logs.
	// MaxTruncateLength 是日志中字符串截断的最大长度。
	MaxTruncateLength = 200
)
