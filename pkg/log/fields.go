package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule     = "module"
	FieldNameComponent  = "component"
	FieldNameSessionKey = "sessionKey"
	FieldNameExternalID = "externalID"
	FieldNameEndpoint   = "endpoint"
)

// sessionKeyPrefixLen 为日志中保留的会话 key 前缀长度。
const sessionKeyPrefixLen = 8

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldEndpoint 返回一个包含远端地址的 zap 字段。
func FieldEndpoint(endpoint string) zap.Field {
	return zap.String(FieldNameEndpoint, endpoint)
}

// FieldSessionKey 返回一个只包含会话 key 前缀的 zap 字段。
func FieldSessionKey(key string) zap.Field {
	if len(key) > sessionKeyPrefixLen {
		key = key[:sessionKeyPrefixLen] + "…"
	}
	return zap.String(FieldNameSessionKey, key)
}

// FieldExternalID 返回一个包含控制进程会话编号的 zap 字段。
func FieldExternalID(id int64) zap.Field {
	return zap.Int64(FieldNameExternalID, id)
}
