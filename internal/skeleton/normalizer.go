package skeleton

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 内置策略名
const (
	StrategyRaw    = "raw/v1"
	StrategySolcV1 = "solc/v1"
)

// Strategy 可插拔的归一化策略，名称带版本号
type Strategy interface {
	Name() string
	// Mask 返回归一化后的代码；initCode 为创建代码，可以为空。
	// ok 为false表示无法可靠遮蔽
	Mask(code, initCode []byte) (masked []byte, changed bool, ok bool)
}

// Result 归一化结果
type Result struct {
	Skeleton []byte      `json:"-"`
	Hash     common.Hash `json:"hash"`
	Strategy string      `json:"strategy"`
	Masked   bool        `json:"masked"`
	Metadata *Metadata   `json:"metadata,omitempty"`
	// Shape 去掉全部立即数后的指令序列哈希，反汇编不完整时为零值
	Shape    common.Hash `json:"shape"`
}

// HashHex 骨架哈希的十六进制形式
func (r Result) HashHex() string {
	return r.Hash.Hex()
}

// ShapeHex 没有形状时返回空串
func (r Result) ShapeHex() string {
	if r.Shape == (common.Hash{}) {
		return ""
	}
	return strings.ToLower(r.Shape.Hex())
}

var registry = map[string]Strategy{
	StrategyRaw:    rawStrategy{},
	StrategySolcV1: solcStrategy{},
}

// Register 注册新的归一化策略
func Register(s Strategy) {
	registry[s.Name()] = s
}

// Strategies 已注册的策略名
func Strategies() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalizer 字节码归一化器，无状态，可并发使用
type Normalizer struct {
	strategy Strategy
}

// NewNormalizer 按名称选择策略
func NewNormalizer(name string) (*Normalizer, error) {
	if name == "" {
		name = StrategySolcV1
	}
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("未知的归一化策略: %s", name)
	}
	return &Normalizer{strategy: s}, nil
}

// StrategyName 当前策略
func (n *Normalizer) StrategyName() string {
	return n.strategy.Name()
}

// Normalize 只凭运行时代码生成骨架，不遮蔽任何立即数
func (n *Normalizer) Normalize(code []byte) Result {
	return n.NormalizeDeployment(code, nil)
}

// NormalizeDeployment 生成骨架；遮蔽不可靠时退回原始字节码哈希
func (n *Normalizer) NormalizeDeployment(code, initCode []byte) Result {
	body, meta := splitMetadata(code)
	shape := ShapeHash(body)

	masked, changed, ok := n.strategy.Mask(code, initCode)
	if !ok {
		raw := append([]byte(nil), code...)
		return Result{Skeleton: raw, Hash: crypto.Keccak256Hash(raw), Strategy: StrategyRaw, Metadata: meta, Shape: shape}
	}
	return Result{
		Skeleton: masked,
		Hash:     crypto.Keccak256Hash(masked),
		Strategy: n.strategy.Name(),
		Masked:   changed,
		Metadata: meta,
		Shape:    shape,
	}
}

type rawStrategy struct{}

func (rawStrategy) Name() string { return StrategyRaw }

func (rawStrategy) Mask(code, _ []byte) ([]byte, bool, bool) {
	return append([]byte(nil), code...), false, true
}

// solcStrategy 去掉末尾 CBOR 元数据，并清零 immutable 变量的 PUSH32 立即数。
// immutable 只能通过创建代码里的运行时模板认出来：模板在这些位置全为零，
// 部署后的代码只在这些位置与模板不同。找不到模板时不遮蔽任何立即数，
// 事件 topic 和逻辑常量因此永远保留
type solcStrategy struct{}

func (solcStrategy) Name() string { return StrategySolcV1 }

func (solcStrategy) Mask(code, initCode []byte) ([]byte, bool, bool) {
	body, meta := splitMetadata(code)
	ins, complete := Disassemble(body)
	if !complete {
		return nil, false, false
	}
	out := append([]byte(nil), body...)
	changed := meta != nil

	slots := immutableSlots(code, initCode, ins)
	for _, in := range slots {
		start := in.Offset + 1
		for i := start; i < start+len(in.Immediate); i++ {
			if out[i] != 0 {
				out[i] = 0
				changed = true
			}
		}
	}
	return out, changed, true
}

// templateAnchor 在创建代码中定位运行时模板用的前缀长度
const templateAnchor = 4

// immutableSlots 找到创建代码中的运行时模板，返回与模板不同的 PUSH32 指令。
// 任何差异落在 PUSH32 立即数之外，或模板该处不全为零，都视为不是同一模板
func immutableSlots(code, initCode []byte, ins []Instruction) []Instruction {
	if len(initCode) < len(code) || len(code) < templateAnchor {
		return nil
	}
	anchor := code[:templateAnchor]
	for from := 0; from+len(code) <= len(initCode); {
		idx := bytes.Index(initCode[from:], anchor)
		if idx < 0 {
			return nil
		}
		at := from + idx
		if at+len(code) > len(initCode) {
			return nil
		}
		if slots, ok := matchTemplate(code, initCode[at:at+len(code)], ins); ok {
			return slots
		}
		from = at + 1
	}
	return nil
}

func matchTemplate(code, tmpl []byte, ins []Instruction) ([]Instruction, bool) {
	var slots []Instruction
	covered := 0
	for _, in := range ins {
		end := in.Offset + 1 + len(in.Immediate)
		if bytes.Equal(code[in.Offset:end], tmpl[in.Offset:end]) {
			covered = end
			continue
		}
		if in.Op != opPUSH32 || code[in.Offset] != tmpl[in.Offset] {
			return nil, false
		}
		for _, b := range tmpl[in.Offset+1 : end] {
			if b != 0 {
				return nil, false
			}
		}
		slots = append(slots, in)
		covered = end
	}
	// 元数据部分必须逐字节相同
	if !bytes.Equal(code[covered:], tmpl[covered:]) {
		return nil, false
	}
	return slots, true
}
