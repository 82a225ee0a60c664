package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/util/typeutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingReleaser struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (r *recordingReleaser) ReleaseSession(_ context.Context, externalID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, externalID)
	return r.err
}

func (r *recordingReleaser) Calls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.calls...)
}

type StoreSuite struct {
	suite.Suite

	clock    *fakeClock
	releaser *recordingReleaser
	store    *Store
}

func (s *StoreSuite) SetupTest() {
	log.SetupTestLogger(s.T())
	s.clock = newFakeClock()
	s.releaser = &recordingReleaser{}
	s.store = NewStore(WithClock(s.clock.Now), WithReleaser(s.releaser))
}

func (s *StoreSuite) TearDownTest() {
	s.store.Close()
}

func (s *StoreSuite) TestIssueAndLookup() {
	key := s.store.IssueSession(7, ReadWrite)
	s.NotEmpty(key)

	id, ok := s.store.Lookup(key)
	s.True(ok)
	s.Equal(int64(7), id)
	s.Equal(1, s.store.Count())

	other := s.store.IssueSession(7, ReadWrite)
	s.NotEqual(key, other)

	_, ok = s.store.Lookup("unknown")
	s.False(ok)
}

func (s *StoreSuite) TestUntrackedSession() {
	key := s.store.IssueSession(0, ReadWrite)
	s.NotEmpty(key)
	s.NotEmpty(s.store.IssueSession(-3, ReadOnly))

	s.Equal(0, s.store.Count())
	s.False(s.store.Validate(key, false))
	_, ok := s.store.Lookup(key)
	s.False(ok)
	s.Equal(int64(0), s.store.Revoke(key))
	s.False(s.store.MarkStreamOpen(key))

	s.clock.Advance(time.Hour)
	s.Empty(s.store.SweepExpired(time.Minute))
	s.store.Flush()
	s.Empty(s.releaser.Calls())
}

func (s *StoreSuite) TestValidateMatrix() {
	ro := s.store.IssueSession(1, ReadOnly)
	rw := s.store.IssueSession(2, ReadWrite)

	cases := []struct {
		key              string
		requireReadWrite bool
		want             bool
	}{
		{ro, false, true},
		{ro, true, false},
		{rw, false, true},
		{rw, true, true},
		{"unknown", false, false},
		{"unknown", true, false},
		{"", false, false},
	}
	for _, c := range cases {
		s.Equal(c.want, s.store.Validate(c.key, c.requireReadWrite), "key=%q rw=%v", c.key, c.requireReadWrite)
	}
}

func (s *StoreSuite) TestValidateTouches() {
	key := s.store.IssueSession(3, ReadOnly)
	s.clock.Advance(50 * time.Second)
	s.True(s.store.Validate(key, false))
	s.clock.Advance(50 * time.Second)

	// 距最后一次校验只有 50 秒
	s.Empty(s.store.SweepExpired(time.Minute))

	// 失败的校验不刷新活跃时间
	s.False(s.store.Validate(key, true))
	s.clock.Advance(11 * time.Second)
	s.Equal([]int64{3}, s.store.SweepExpired(time.Minute))
}

func (s *StoreSuite) TestRevoke() {
	key := s.store.IssueSession(11, ReadWrite)
	s.Equal(int64(11), s.store.Revoke(key))
	s.Equal(int64(0), s.store.Revoke(key))
	s.False(s.store.Validate(key, false))

	s.store.Flush()
	s.Equal([]int64{11}, s.releaser.Calls())
}

// TestSweepRemovalSet 构造计数器 {0, >0} 与空闲时间 {未超时, 超时} 的全部组合，
// 校验被移除的集合恰好是计数器均为零且已超时的会话。
func (s *StoreSuite) TestSweepRemovalSet() {
	const idle = time.Minute
	expected := typeutil.NewSet[int64]()

	var id int64
	for _, streams := range []int{0, 1, 2} {
		for _, requests := range []int{0, 1} {
			for _, stale := range []bool{false, true} {
				id++
				key := s.store.IssueSession(id, ReadOnly)
				for i := 0; i < streams; i++ {
					s.True(s.store.MarkStreamOpen(key))
				}
				for i := 0; i < requests; i++ {
					s.True(s.store.MarkLongRunningStart(key))
				}
				if stale {
					s.setIdle(key, 2*idle)
				}
				if streams == 0 && requests == 0 && stale {
					expected.Insert(id)
				}
			}
		}
	}

	removed := s.store.SweepExpired(idle)
	s.ElementsMatch(expected.Collect(), removed)
	s.Equal(int(id)-expected.Len(), s.store.Count())

	s.store.Flush()
	s.ElementsMatch(expected.Collect(), s.releaser.Calls())

	// 即使时钟继续前进，被引用的会话仍不会被清理
	s.clock.Advance(24 * time.Hour)
	s.store.Range(func(info Info) bool {
		s.True(info.OpenStreams > 0 || info.LongRunning > 0 || !expected.Contain(info.ExternalID))
		return true
	})
	for _, removedID := range s.store.SweepExpired(idle) {
		s.False(expected.Contain(removedID))
	}
	s.store.Range(func(info Info) bool {
		s.True(info.OpenStreams > 0 || info.LongRunning > 0, "idle session %d survived", info.ExternalID)
		return true
	})
}

// setIdle 将会话的最后活跃时间回拨 d，不影响其他会话。
func (s *StoreSuite) setIdle(key string, d time.Duration) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.sessions[key].lastActivity = s.clock.Now().Add(-d)
}

func (s *StoreSuite) TestCountersReleaseSession() {
	key := s.store.IssueSession(21, ReadWrite)
	s.True(s.store.MarkStreamOpen(key))
	s.True(s.store.MarkLongRunningStart(key))

	s.clock.Advance(time.Hour)
	s.Empty(s.store.SweepExpired(time.Minute))

	s.True(s.store.MarkStreamClosed(key))
	s.clock.Advance(time.Hour)
	s.Empty(s.store.SweepExpired(time.Minute))

	s.True(s.store.MarkLongRunningEnd(key))
	// 计数器不会减为负数
	s.True(s.store.MarkLongRunningEnd(key))
	s.True(s.store.MarkStreamClosed(key))
	s.store.Range(func(info Info) bool {
		s.Equal(0, info.OpenStreams)
		s.Equal(0, info.LongRunning)
		return true
	})

	s.Empty(s.store.SweepExpired(time.Minute))
	s.clock.Advance(time.Minute + time.Second)
	s.Equal([]int64{21}, s.store.SweepExpired(time.Minute))
}

func (s *StoreSuite) TestReleaseFailureIsSwallowed() {
	s.releaser.err = errors.New("control process unavailable")
	key := s.store.IssueSession(5, ReadOnly)
	s.clock.Advance(time.Hour)

	s.NotPanics(func() {
		s.Equal([]int64{5}, s.store.SweepExpired(time.Minute))
	})
	s.store.Flush()
	s.Equal([]int64{5}, s.releaser.Calls())
	s.False(s.store.Validate(key, false))
}

func (s *StoreSuite) TestReleaseAttempts() {
	releaser := &recordingReleaser{err: errors.New("busy")}
	store := NewStore(WithReleaser(releaser), WithReleaseAttempts(2), WithReleaseTimeout(time.Second))
	defer store.Close()

	store.Revoke(store.IssueSession(9, ReadOnly))
	store.Flush()
	s.Equal([]int64{9, 9}, releaser.Calls())
}

func (s *StoreSuite) TestRangeStopsEarly() {
	for i := int64(1); i <= 3; i++ {
		s.store.IssueSession(i, ReadOnly)
	}
	visited := 0
	s.store.Range(func(Info) bool {
		visited++
		return false
	})
	s.Equal(1, visited)
	s.NotPanics(func() { s.store.Range(nil) })
}

func (s *StoreSuite) TestConcurrentAccess() {
	var wg sync.WaitGroup
	issued := atomic.NewInt64(0)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := s.store.IssueSession(int64(w*100+i+1), ReadWrite)
				issued.Inc()
				s.store.Validate(key, true)
				s.store.MarkStreamOpen(key)
				s.store.MarkStreamClosed(key)
				if i%2 == 0 {
					s.store.Revoke(key)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.store.SweepExpired(time.Hour)
		}
	}()
	wg.Wait()

	s.Equal(int64(400), issued.Load())
	s.Equal(200, s.store.Count())
}

func (s *StoreSuite) TestRun() {
	key := s.store.IssueSession(42, ReadOnly)
	s.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.store.Run(ctx, 5*time.Millisecond, time.Minute) }()

	s.Eventually(func() bool {
		_, ok := s.store.Lookup(key)
		return !ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	s.NoError(<-done)

	s.store.Flush()
	s.Equal([]int64{42}, s.releaser.Calls())
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func TestAccessLevel(t *testing.T) {
	for _, c := range []struct {
		level AccessLevel
		rw    bool
		want  bool
	}{
		{ReadOnly, false, true},
		{ReadOnly, true, false},
		{ReadWrite, false, true},
		{ReadWrite, true, true},
	} {
		if got := c.level.Allows(c.rw); got != c.want {
			t.Errorf("%s.Allows(%v) = %v, want %v", c.level, c.rw, got, c.want)
		}
	}
	if fmt.Sprint(ReadWrite) != "readWrite" {
		t.Errorf("unexpected name %s", ReadWrite)
	}
}
