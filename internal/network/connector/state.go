package connector

// State 为 Connector 的逻辑状态。
//
//	Connecting -> Streaming|Polling -> Reconnecting -> (Streaming|Polling | Terminated)
//
// Terminated 只能由 Close 进入，且一旦进入不再离开。
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StatePolling
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StatePolling:
		return "polling"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// setState 切换逻辑状态；已进入 Terminated 时保持不变并返回 false。
func (c *Connector) setState(s State) bool {
	for {
		cur := c.state.Load()
		if State(cur) == StateTerminated {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// State 返回当前逻辑状态。
func (c *Connector) State() State {
	return State(c.state.Load())
}
