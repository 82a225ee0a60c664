package network

import "github.com/cockroachdb/errors"

// Stage 表示连接链路中的处理阶段。
//
// 主要用于在日志与指标中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageDial      Stage = "dial"     // 建立 WebSocket 连接
	StageSnapshot  Stage = "snapshot" // 读取首条全量快照
	StageRecv      Stage = "recv"     // 等待增量补丁或心跳应答
	StageDecode    Stage = "decode"   // 原始字节 -> JSON 对象
	StageSend      Stage = "send"     // 发送确认或心跳请求
	StageRequest   Stage = "request"  // 普通 HTTP 请求
)

// 统一的错误码常量。
//
// 注意：这些是用于日志/监控的稳定字符串，真正的 error 对象在下面通过 errors.New 构造。
const (
	ErrCodeHandshakeFailed = "network:handshake_failed"
	ErrCodeDialFailed      = "network:dial_failed"
	ErrCodeRecvFailed      = "network:recv_failed"
	ErrCodeDecodeFailed    = "network:decode_failed"
	ErrCodeSendFailed      = "network:send_failed"
)

var (
	// ErrHandshakeFailed 表示握手响应无法解析（例如缺少 sessionKey）。
	ErrHandshakeFailed = errors.New(ErrCodeHandshakeFailed)

	// ErrDialFailed 表示 WebSocket 升级失败。
	ErrDialFailed = errors.New(ErrCodeDialFailed)

	// ErrRecvFailed 表示在读取底层连接数据时发生错误。
	ErrRecvFailed = errors.New(ErrCodeRecvFailed)

	// ErrDecodeFailed 表示收到的快照或补丁不是合法的 JSON 对象。
	ErrDecodeFailed = errors.New(ErrCodeDecodeFailed)

	// ErrSendFailed 表示在发送数据到对端时发生错误。
	ErrSendFailed = errors.New(ErrCodeSendFailed)
)
