package session

import "time"

// AccessLevel 为会话的访问级别。
type AccessLevel int32

const (
	ReadOnly AccessLevel = iota
	ReadWrite
)

func (a AccessLevel) String() string {
	if a == ReadWrite {
		return "readWrite"
	}
	return "readOnly"
}

// Allows 判断该访问级别是否满足一次请求：ReadWrite 满足读写请求，ReadOnly 只满足读请求。
func (a AccessLevel) Allows(requireReadWrite bool) bool {
	return !requireReadWrite || a == ReadWrite
}

// session 为 Store 内部维护的一条会话记录，只在 Store 的锁内访问。
type session struct {
	key          string
	externalID   int64
	access       AccessLevel
	lastActivity time.Time
	// openStreams 为引用该会话的流式连接数。
	openStreams int
	// longRunning 为引用该会话、仍在执行中的长耗时请求数。
	longRunning int
}

// busy 判断会话是否被流式连接或长耗时请求引用，busy 的会话不会因空闲被清理。
func (s *session) busy() bool {
	return s.openStreams > 0 || s.longRunning > 0
}

func (s *session) info() Info {
	return Info{
		Key:          s.key,
		ExternalID:   s.externalID,
		Access:       s.access,
		LastActivity: s.lastActivity,
		OpenStreams:  s.openStreams,
		LongRunning:  s.longRunning,
	}
}

// Info 为会话在某一时刻的只读快照。
type Info struct {
	Key          string
	ExternalID   int64
	Access       AccessLevel
	LastActivity time.Time
	OpenStreams  int
	LongRunning  int
}
