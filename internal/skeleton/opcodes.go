package skeleton

import (
	"encoding/hex"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 需要识别的操作码
const (
	opEQ     = 0x14
	opPUSH0  = 0x5f
	opPUSH1  = 0x60
	opPUSH4  = 0x63
	opPUSH20 = 0x73
	opPUSH32 = 0x7f
	opDUP1   = 0x80
	opDUP2   = 0x81
	opLOG1   = 0xa1
	opLOG4   = 0xa4
)

// Instruction 单条指令
type Instruction struct {
	Offset    int
	Op        byte
	Immediate []byte
}

// pushSize PUSHn 的立即数长度，非 PUSH 返回0
func pushSize(op byte) int {
	if op >= opPUSH1 && op <= opPUSH32 {
		return int(op-opPUSH1) + 1
	}
	return 0
}

// Disassemble 线性反汇编，末尾的截断 PUSH 会让 complete 为false
func Disassemble(code []byte) (ins []Instruction, complete bool) {
	ins = make([]Instruction, 0, len(code)/2)
	for pc := 0; pc < len(code); {
		op := code[pc]
		n := pushSize(op)
		if pc+1+n > len(code) {
			ins = append(ins, Instruction{Offset: pc, Op: op, Immediate: code[pc+1:]})
			return ins, false
		}
		ins = append(ins, Instruction{Offset: pc, Op: op, Immediate: code[pc+1 : pc+1+n]})
		pc += 1 + n
	}
	return ins, true
}

// ShapeHash 只保留操作码的指令序列哈希，常量不同而逻辑相同的代码得到同一形状
func ShapeHash(code []byte) common.Hash {
	ins, complete := Disassemble(code)
	if !complete || len(ins) == 0 {
		return common.Hash{}
	}
	ops := make([]byte, len(ins))
	for i, in := range ins {
		ops[i] = in.Op
	}
	return crypto.Keccak256Hash(ops)
}

// DispatchSelectors 提取函数分发表中的选择器
//
// 匹配 `PUSH4 sel EQ` 和 `PUSH4 sel DUP2 EQ` 两种编译器输出形式。
func DispatchSelectors(code []byte) []string {
	code, _ = splitMetadata(code)
	ins, _ := Disassemble(code)

	seen := make(map[string]struct{})
	for i, in := range ins {
		if in.Op != opPUSH4 || len(in.Immediate) != 4 {
			continue
		}
		matched := false
		if i+1 < len(ins) && ins[i+1].Op == opEQ {
			matched = true
		}
		if i+2 < len(ins) && (ins[i+1].Op == opDUP1 || ins[i+1].Op == opDUP2) && ins[i+2].Op == opEQ {
			matched = true
		}
		if matched {
			seen["0x"+hex.EncodeToString(in.Immediate)] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// EventTopics 提取紧跟 LOG1..LOG4 使用的 PUSH32 常量
func EventTopics(code []byte) []string {
	code, _ = splitMetadata(code)
	ins, _ := Disassemble(code)

	const window = 24
	seen := make(map[string]struct{})
	for i, in := range ins {
		if in.Op != opPUSH32 || len(in.Immediate) != 32 {
			continue
		}
		for j := i + 1; j < len(ins) && j <= i+window; j++ {
			if ins[j].Op >= opLOG1 && ins[j].Op <= opLOG4 {
				seen["0x"+hex.EncodeToString(in.Immediate)] = struct{}{}
				break
			}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
