package log

import "go.uber.org/atomic"

var (
	_ WithLogger   = &Binder{}
	_ LoggerBinder = &Binder{}
)

// WithLogger 由持有自身日志实例的组件实现。
type WithLogger interface {
	Logger() *MLogger
}

// LoggerBinder 允许在构造后替换组件的日志实例，例如注入测试日志。
type LoggerBinder interface {
	SetLogger(logger *MLogger)
}

// Binder 嵌入到 Connector、Store、Acceptor 中，保存带组件字段的日志实例。
// 后台任务与请求处理并发读取，因此用原子指针保存。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

// SetLogger 替换组件的日志实例。
func (w *Binder) SetLogger(logger *MLogger) {
	w.logger.Store(logger)
}

// Logger 返回组件的日志实例；未绑定时每次都基于当前全局日志创建，
// 因此 ReplaceGlobals 之后立即生效。
func (w *Binder) Logger() *MLogger {
	if l := w.logger.Load(); l != nil {
		return l
	}
	return With()
}
