package session

import "context"

// Releaser 为拥有外部会话 ID 的控制进程。
//
// 会话被 Revoke 或空闲清理移除后，Store 会异步调用 ReleaseSession，
// 通知控制进程释放对应的外部会话 ID。失败只记录日志，不会重试到成功为止。
type Releaser interface {
	ReleaseSession(ctx context.Context, externalID int64) error
}

// ReleaserFunc 允许直接使用函数作为 Releaser。
type ReleaserFunc func(ctx context.Context, externalID int64) error

func (f ReleaserFunc) ReleaseSession(ctx context.Context, externalID int64) error {
	return f(ctx, externalID)
}

type nopReleaser struct{}

func (nopReleaser) ReleaseSession(context.Context, int64) error { return nil }
