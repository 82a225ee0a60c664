package network

import (
	"net/url"
	"strings"
	"time"
)

// 流式通道中使用的单行文本令牌，与 JSON 补丁负载互不混淆。
const (
	TokenAck  = "OK\n"   // 客户端：已处理完上一条消息，可以推送下一条补丁
	TokenPing = "PING\n" // 客户端：心跳请求
	TokenPong = "PONG\n" // 服务端：心跳应答
)

// APIVersion 为当前实现的协议版本，握手应答中携带，主版本号不同的两端互不兼容。
const APIVersion = "1.0.0"

// HeaderSessionKey 为每个请求携带会话 key 的请求头。
const HeaderSessionKey = "X-Session-Key"

// HTTP 端点。
const (
	PathConnect    = "/machine/connect"
	PathNoop       = "/machine/noop"
	PathDisconnect = "/machine/disconnect"
	PathStream     = "/machine"
	PathCode       = "/machine/code"
	PathFile       = "/machine/file/"
	PathFileMove   = "/machine/file/move"
	PathDirectory  = "/machine/directory/"
	PathFileInfo   = "/machine/fileinfo/"
)

// 查询参数与表单字段。
const (
	ParamPassword     = "password"
	ParamTime         = "time"
	ParamSessionKey   = "sessionKey"
	ParamTimeModified = "timeModified"
	ParamFrom         = "from"
	ParamTo           = "to"
	ParamForce        = "force"
	ParamAccess       = "access"
)

// ParamAccess 的取值，缺省为读写。
const AccessReadOnly = "readOnly"

// ConnectResponse 为握手成功时的响应体。
type ConnectResponse struct {
	SessionKey string `json:"sessionKey"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// FileEntryType 区分目录项的类型。
type FileEntryType string

const (
	EntryFile      FileEntryType = "f"
	EntryDirectory FileEntryType = "d"
)

// FileEntry 为目录列表中的一项。
type FileEntry struct {
	Type FileEntryType `json:"type"`
	Name string        `json:"name"`
	Date time.Time     `json:"date"`
	Size int64         `json:"size"`
}

// IsDirectory 判断该项是否为目录。
func (e FileEntry) IsDirectory() bool {
	return e.Type == EntryDirectory
}

// EscapePath 对远端路径逐段转义，保留分隔符，用于拼接在 PathFile 等前缀之后。
func EscapePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}
