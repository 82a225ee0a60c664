package acceptor

import (
	"context"
	"strconv"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/boardlink-go/internal/network/session"
	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
	"github.com/lk2023060901/boardlink-go/pkg/util/typeutil"
)

// LocalControl 是一个进程内的 ControlProcess，按递增顺序分配外部会话 ID。
type LocalControl struct {
	log.Binder

	next   atomic.Int64
	active *typeutil.ConcurrentSet[int64]
}

var _ ControlProcess = (*LocalControl)(nil)

func NewLocalControl() *LocalControl {
	c := &LocalControl{active: typeutil.NewConcurrentSet[int64]()}
	c.SetLogger(log.With(log.FieldComponent("control")))
	return c
}

func (c *LocalControl) RegisterSession(_ context.Context, access session.AccessLevel, origin string) (int64, error) {
	id := c.next.Inc()
	c.active.Insert(id)
	c.Logger().Debug("external session registered",
		zap.Int64("externalID", id),
		zap.Stringer("access", access),
		zap.String("origin", origin))
	return id, nil
}

func (c *LocalControl) ReleaseSession(_ context.Context, externalID int64) error {
	if !c.active.TryRemove(externalID) {
		return merr.WrapErrNotFound("external session " + strconv.FormatInt(externalID, 10))
	}
	c.Logger().Debug("external session released", zap.Int64("externalID", externalID))
	return nil
}

// Active 返回尚未释放的外部会话 ID。
func (c *LocalControl) Active() []int64 {
	return c.active.Collect()
}
