package models

import (
	"math/big"
	"strconv"
	"strings"
)

// 调用帧类型（callTracer 输出）
const (
	FrameCall         = "CALL"
	FrameCreate       = "CREATE"
	FrameCreate2      = "CREATE2"
	FrameSelfDestruct = "SELFDESTRUCT"
)

// CallFrame debug_traceBlockByNumber callTracer 的调用帧
type CallFrame struct {
	Type    string      `json:"type"`
	From    string      `json:"from"`
	To      string      `json:"to,omitempty"`
	Value   *BigHex     `json:"value,omitempty"`
	Gas     string      `json:"gas,omitempty"`
	GasUsed string      `json:"gasUsed,omitempty"`
	Input   string      `json:"input,omitempty"`
	Output  string      `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`
	Calls   []CallFrame `json:"calls,omitempty"`
}

// TxTrace 单笔交易的追踪结果
type TxTrace struct {
	TxHash string    `json:"txHash"`
	Result CallFrame `json:"result"`
}

// FlatFrame 展开后的调用帧，失败状态已沿祖先传递
type FlatFrame struct {
	CallFrame
	TraceAddress []int
	Failed       bool
}

// Flatten 深度优先展开，父帧失败时所有子帧视为失败
func (f *CallFrame) Flatten() []FlatFrame {
	var out []FlatFrame
	var walk func(frame *CallFrame, addr []int, parentFailed bool)
	walk = func(frame *CallFrame, addr []int, parentFailed bool) {
		failed := parentFailed || frame.Error != ""
		out = append(out, FlatFrame{CallFrame: *frame, TraceAddress: addr, Failed: failed})
		for i := range frame.Calls {
			child := append(append([]int(nil), addr...), i)
			walk(&frame.Calls[i], child, failed)
		}
	}
	walk(f, nil, false)
	return out
}

// Path 调用路径，形如 "0.1"，根帧为空串
func (f FlatFrame) Path() string {
	parts := make([]string, len(f.TraceAddress))
	for i, n := range f.TraceAddress {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// IsCreate CREATE 或 CREATE2 帧
func (f *CallFrame) IsCreate() bool {
	return strings.EqualFold(f.Type, FrameCreate) || strings.EqualFold(f.Type, FrameCreate2)
}

// IsSelfDestruct 自毁帧
func (f *CallFrame) IsSelfDestruct() bool {
	return strings.EqualFold(f.Type, FrameSelfDestruct)
}

// BigHex 十六进制数值
type BigHex big.Int

// UnmarshalJSON 解析 "0x.." 字符串
func (b *BigHex) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		v = new(big.Int)
	}
	*b = BigHex(*v)
	return nil
}

// Int 转为 big.Int
func (b *BigHex) Int() *big.Int {
	if b == nil {
		return new(big.Int)
	}
	v := big.Int(*b)
	return new(big.Int).Set(&v)
}
