package model

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/boardlink-go/internal/json"
)

// Connectivity 表示镜像与远端模型源之间的连通状态。
type Connectivity int32

const (
	Disconnected Connectivity = iota
	Connected
)

func (c Connectivity) String() string {
	switch c {
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Mirror 是远端对象模型在本地的镜像。
//
// 所有读写都经过同一把锁；锁内只做 map 操作，从不执行 I/O。
// 镜像只会被整体替换（快照）或增量合并（补丁），读者不会看到合并到一半的状态。
type Mirror struct {
	mu           sync.RWMutex
	tree         map[string]any
	connectivity Connectivity
	// keepMessages 为 false 时每次替换/合并后清空 messages。
	keepMessages bool
}

// NewMirror 创建一个空镜像。keepMessages 表示调用方是否需要观察 messages 列表。
func NewMirror(keepMessages bool) *Mirror {
	return &Mirror{
		tree:         make(map[string]any),
		keepMessages: keepMessages,
	}
}

// Replace 以 snapshot 整体替换镜像内容，并将连通状态置为 Connected。
func (m *Mirror) Replace(snapshot map[string]any) {
	tree := cloneMap(snapshot)
	if tree == nil {
		tree = make(map[string]any)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree = tree
	m.connectivity = Connected
	m.drainLocked()
}

// Merge 将 patch 合并进镜像。
func (m *Mirror) Merge(patch map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree = MergeInto(m.tree, patch)
	m.drainLocked()
}

// ReplaceJSON 解码 data 并替换镜像内容。
func (m *Mirror) ReplaceJSON(data []byte) error {
	snapshot, err := json.UnmarshalObject(data)
	if err != nil {
		return errors.Wrap(err, "decode snapshot")
	}
	m.Replace(snapshot)
	return nil
}

// MergeJSON 解码 data 并作为补丁合并进镜像。
func (m *Mirror) MergeJSON(data []byte) error {
	patch, err := json.UnmarshalObject(data)
	if err != nil {
		return errors.Wrap(err, "decode patch")
	}
	m.Merge(patch)
	return nil
}

func (m *Mirror) drainLocked() {
	if m.keepMessages {
		return
	}
	if msgs, ok := m.tree[KeyMessages].([]any); ok && len(msgs) > 0 {
		m.tree[KeyMessages] = []any{}
	}
}

// Read 在读锁内调用 fn。fn 不得保留或修改 tree 中的任何引用。
func (m *Mirror) Read(fn func(tree map[string]any)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.tree)
}

// Get 按路径读取一个值的深拷贝，路径不存在时返回 false。
func (m *Mirror) Get(path ...string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cur any = m.tree
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cloneValue(cur), true
}

// Snapshot 返回当前镜像内容的深拷贝。
func (m *Mirror) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneMap(m.tree)
}

// MarshalJSON 将当前镜像内容编码为 JSON。
func (m *Mirror) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// Messages 取出并清空当前累积的 messages。
func (m *Mirror) Messages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, _ := m.tree[KeyMessages].([]any)
	if len(msgs) == 0 {
		return nil
	}
	m.tree[KeyMessages] = []any{}
	return msgs
}

// Connectivity 返回当前连通状态。
func (m *Mirror) Connectivity() Connectivity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectivity
}

// SetConnectivity 更新连通状态。
func (m *Mirror) SetConnectivity(c Connectivity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = c
}
