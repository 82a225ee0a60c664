package model

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/boardlink-go/internal/json"
)

// Source 为权威对象模型的内存实现，供服务端向多个订阅者分发快照与补丁。
//
// messages 不进入权威模型，只随补丁发送给当时已存在的订阅者。
// 每个订阅者在被取走之前累积的补丁会预先合并为一条，
// 由于合并满足结合律，订阅者看到的结果与逐条应用一致。
type Source struct {
	mu   sync.Mutex
	tree map[string]any
	subs map[*Subscription]struct{}
}

// NewSource 以 initial 为初始模型创建 Source。
func NewSource(initial map[string]any) *Source {
	tree := cloneMap(initial)
	if tree == nil {
		tree = make(map[string]any)
	}
	delete(tree, KeyMessages)
	return &Source{
		tree: tree,
		subs: make(map[*Subscription]struct{}),
	}
}

// Update 将 patch 合并进权威模型，并追加到每个订阅者的待发送补丁中。
func (s *Source) Update(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	state := make(map[string]any, len(patch))
	for k, v := range patch {
		if k != KeyMessages {
			state[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = MergeInto(s.tree, state)
	for sub := range s.subs {
		sub.pending = MergeInto(sub.pending, patch)
		sub.notify()
	}
}

// UpdateJSON 解码 data 后调用 Update。
func (s *Source) UpdateJSON(data []byte) error {
	patch, err := json.UnmarshalObject(data)
	if err != nil {
		return errors.Wrap(err, "decode patch")
	}
	s.Update(patch)
	return nil
}

// Snapshot 返回权威模型的深拷贝。
func (s *Source) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.tree)
}

// Subscribe 注册一个订阅者。快照与注册在同一把锁内完成，之后的每次 Update 都会进入该订阅者的待发送补丁。
func (s *Source) Subscribe() *Subscription {
	sub := &Subscription{
		src:   s,
		ready: make(chan struct{}, 1),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.snapshot = cloneMap(s.tree)
	s.subs[sub] = struct{}{}
	return sub
}

// Subscribers 返回当前订阅者数量。
func (s *Source) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Subscription 为 Source 的一个订阅者。
type Subscription struct {
	src      *Source
	snapshot map[string]any
	// pending 为尚未取走的合并补丁，受 src.mu 保护。
	pending map[string]any
	ready   chan struct{}
}

// Snapshot 返回订阅时刻的模型快照。
func (sub *Subscription) Snapshot() map[string]any {
	return sub.snapshot
}

// Ready 在有待发送补丁时可读。
func (sub *Subscription) Ready() <-chan struct{} {
	return sub.ready
}

// Take 取走并清空待发送补丁。
func (sub *Subscription) Take() (map[string]any, bool) {
	sub.src.mu.Lock()
	defer sub.src.mu.Unlock()
	patch := sub.pending
	sub.pending = nil
	return patch, len(patch) > 0
}

// Close 取消订阅，可重复调用。
func (sub *Subscription) Close() {
	sub.src.mu.Lock()
	defer sub.src.mu.Unlock()
	delete(sub.src.subs, sub)
	sub.pending = nil
}

func (sub *Subscription) notify() {
	select {
	case sub.ready <- struct{}{}:
	default:
	}
}
