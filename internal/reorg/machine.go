package reorg

import (
	"fmt"

	syncerrors "chaingraph/internal/errors"
)

// State 对账状态
type State int

const (
	StateSynced State = iota
	StateDiverged
	StateRepairing
)

var stateNames = map[State]string{
	StateSynced:    "SYNCED",
	StateDiverged:  "DIVERGED",
	StateRepairing: "REPAIRING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EventKind 驱动状态机的事件
type EventKind int

const (
	// EventHeadObserved 比较了存储与上游在某高度的哈希
	EventHeadObserved EventKind = iota
	// EventSignal 收到分叉信号后比较了信号高度本身
	EventSignal
	// EventProbed 回溯过程中一次比较的结果
	EventProbed
	// EventSuperseded 作废与游标回退已完成
	EventSuperseded
)

// Event 状态机输入
type Event struct {
	Kind   EventKind
	Height uint64
	Match  bool
}

// CommandKind 状态机要求执行的动作
type CommandKind int

const (
	CmdNone CommandKind = iota
	// CmdProbe 比较 Height 处的哈希
	CmdProbe
	// CmdSupersede 作废 Height 以上的区块并把游标回退到 Height
	CmdSupersede
	// CmdReplay 从 Height 开始重新处理
	CmdReplay
)

// Command 状态机输出
type Command struct {
	Kind   CommandKind
	Height uint64
}

// Machine 对账状态，值类型，Transition 不修改入参
type Machine struct {
	State      State
	MaxDepth   uint64
	DivergedAt uint64
	Probe      uint64
	Ancestor   uint64
}

// NewMachine 初始为 SYNCED
func NewMachine(maxDepth uint64) Machine {
	return Machine{State: StateSynced, MaxDepth: maxDepth}
}

// Depth 分叉高度到公共祖先的距离
func (m Machine) Depth() uint64 {
	if m.DivergedAt < m.Ancestor {
		return 0
	}
	return m.DivergedAt - m.Ancestor
}

// Transition 纯函数状态转移
func Transition(m Machine, ev Event) (Machine, Command, error) {
	switch m.State {
	case StateSynced:
		switch ev.Kind {
		case EventHeadObserved:
			if ev.Match {
				return m, Command{Kind: CmdNone}, nil
			}
			return diverge(m, ev.Height)
		case EventSignal:
			if ev.Match {
				return m, Command{Kind: CmdNone}, nil
			}
			return diverge(m, ev.Height)
		}

	case StateDiverged:
		if ev.Kind != EventProbed {
			break
		}
		if ev.Height != m.Probe {
			return m, Command{}, fmt.Errorf("回溯高度不一致: 期望 %d，实际 %d", m.Probe, ev.Height)
		}
		if ev.Match {
			m.State = StateRepairing
			m.Ancestor = ev.Height
			return m, Command{Kind: CmdSupersede, Height: ev.Height}, nil
		}
		return step(m, ev.Height)

	case StateRepairing:
		switch ev.Kind {
		case EventSuperseded:
			return m, Command{Kind: CmdReplay, Height: m.Ancestor + 1}, nil
		case EventHeadObserved:
			if ev.Match {
				return NewMachine(m.MaxDepth), Command{Kind: CmdNone}, nil
			}
			// 重放期间再次分叉
			return diverge(NewMachine(m.MaxDepth), ev.Height)
		case EventSignal:
			if ev.Match {
				// 信号高度仍一致，等待 Settle 确认
				return m, Command{Kind: CmdNone}, nil
			}
			return diverge(NewMachine(m.MaxDepth), ev.Height)
		}
	}
	return m, Command{}, fmt.Errorf("状态 %s 不接受事件 %d", m.State, ev.Kind)
}

// diverge height 处哈希不一致，从 height-1 开始向下回溯
func diverge(m Machine, height uint64) (Machine, Command, error) {
	m.State = StateDiverged
	m.DivergedAt = height
	m.Ancestor = 0
	return step(m, height)
}

// step 向下探测一个高度，超出最大深度则终止
func step(m Machine, mismatched uint64) (Machine, Command, error) {
	if mismatched == 0 || m.DivergedAt-(mismatched-1) > m.MaxDepth {
		return m, Command{}, syncerrors.NewReorgDepthExceeded(m.DivergedAt, m.MaxDepth)
	}
	m.Probe = mismatched - 1
	return m, Command{Kind: CmdProbe, Height: m.Probe}, nil
}
