package log

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lk2023060901/boardlink-go/internal/json"
)

func newBufferLogger(t *testing.T) (*MLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	lg, _, err := InitLoggerWithWriteSyncer(&Config{
		Level:            "debug",
		Format:           "json",
		DisableTimestamp: true,
	}, zapcore.AddSync(buf))
	require.NoError(t, err)
	return &MLogger{Logger: lg}, buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	entry, err := json.UnmarshalObject([]byte(lines[len(lines)-1]))
	require.NoError(t, err)
	return entry
}

func TestFieldSessionKey(t *testing.T) {
	assert.Equal(t, "abcdef01…", FieldSessionKey("abcdef0123456789").String)
	assert.Equal(t, "short", FieldSessionKey("short").String)
	assert.Equal(t, FieldNameSessionKey, FieldSessionKey("x").Key)
	assert.Equal(t, int64(42), FieldExternalID(42).Integer)
}

func TestWithSession(t *testing.T) {
	logger, buf := newBufferLogger(t)
	ctx := context.WithValue(context.Background(), CtxLogKey, logger)
	ctx = WithSession(ctx, "abcdef0123456789", 7)
	ctx = WithModule(ctx, "acceptor")

	Ctx(ctx).Info("request served", zap.String("route", "noop"))

	entry := lastEntry(t, buf)
	assert.Equal(t, "request served", entry["msg"])
	assert.Equal(t, "abcdef01…", entry[FieldNameSessionKey])
	assert.EqualValues(t, 7, entry[FieldNameExternalID])
	assert.Equal(t, "acceptor", entry[FieldNameModule])
	assert.NotContains(t, buf.String(), "0123456789")
}

func TestMLoggerWith(t *testing.T) {
	logger, buf := newBufferLogger(t)
	child := logger.With(FieldComponent("connector"), FieldEndpoint("127.0.0.1:8080"))

	child.Warn("keep-alive failed")
	entry := lastEntry(t, buf)
	assert.Equal(t, "connector", entry[FieldNameComponent])
	assert.Equal(t, "127.0.0.1:8080", entry[FieldNameEndpoint])

	logger.Info("plain")
	entry = lastEntry(t, buf)
	assert.NotContains(t, entry, FieldNameComponent)
}

func TestBinderFallback(t *testing.T) {
	var b Binder
	assert.NotNil(t, b.Logger())

	logger, buf := newBufferLogger(t)
	b.SetLogger(logger)
	b.Logger().Info("bound")
	assert.Equal(t, "bound", lastEntry(t, buf)["msg"])
}

func TestCtxWithoutLogger(t *testing.T) {
	assert.NotNil(t, Ctx(context.Background()))
	//nolint:staticcheck
	assert.NotNil(t, Ctx(nil))
}

// recordingT 记录 Logf 输出并手动执行 Cleanup。
type recordingT struct {
	mu       sync.Mutex
	lines    []string
	cleanups []func()
	failed   bool
}

func (r *recordingT) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *recordingT) Errorf(format string, args ...any) {
	r.Logf(format, args...)
	r.Fail()
}

func (r *recordingT) Fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
}

func (r *recordingT) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *recordingT) FailNow()         { r.Fail() }
func (r *recordingT) Name() string     { return "recording" }
func (r *recordingT) Cleanup(f func()) { r.cleanups = append(r.cleanups, f) }

func (r *recordingT) runCleanups() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i]()
	}
}

func (r *recordingT) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

func TestSetupTestLogger(t *testing.T) {
	prev := L()
	rt := &recordingT{}

	SetupTestLogger(rt)
	component := With(FieldComponent("session-store"))
	component.Info("session expired", FieldExternalID(3))
	assert.Contains(t, rt.output(), "session expired")
	assert.Contains(t, rt.output(), "session-store")

	rt.runCleanups()
	assert.Same(t, prev, L())

	// 测试结束后组件仍持有的日志实例不再写入 t。
	component.Warn("late release failure")
	assert.NotContains(t, rt.output(), "late release failure")
	assert.False(t, rt.Failed())
}

func TestInitTestLogger(t *testing.T) {
	lg, _, err := InitTestLogger(t, &Config{Level: "info"})
	require.NoError(t, err)
	lg.Debug("dropped by level")
	lg.Info("routed to t.Log")
}

func TestRateGroupSharedAndInherited(t *testing.T) {
	logger, buf := newBufferLogger(t)
	logger.WithRateGroup("stream-reconnect", 0.0001, 1)
	child := logger.With(FieldComponent("connector"))

	assert.True(t, child.RatedWarn(1, "stream disconnected"))
	assert.False(t, child.RatedWarn(1, "stream disconnected again"))
	assert.NotContains(t, buf.String(), "again")

	other := (&MLogger{Logger: logger.Logger}).WithRateGroup("stream-reconnect", 0.0001, 1)
	assert.Same(t, child.r(), other.r())

	plain, _ := newBufferLogger(t)
	assert.Equal(t, R(), plain.r())
}
