package recovery

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"chaingraph/pkg/models"
)

// HeimdallDecompiler 调用 heimdall 子进程反编译，超时由调用方的 ctx 控制
type HeimdallDecompiler struct {
	binary  string
	workDir string
}

// NewHeimdallDecompiler binary 为空时从 PATH 查找 heimdall
func NewHeimdallDecompiler(binary, workDir string) *HeimdallDecompiler {
	if binary == "" {
		binary = "heimdall"
	}
	return &HeimdallDecompiler{binary: binary, workDir: workDir}
}

func (h *HeimdallDecompiler) Name() string { return "heimdall" }

// Decompile heimdall decompile <code> --default --output <tmp>，然后读取 abi.json
func (h *HeimdallDecompiler) Decompile(ctx context.Context, code []byte) (*Recovered, error) {
	outDir, err := os.MkdirTemp(h.workDir, "heimdall-")
	if err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(outDir)

	cmd := exec.CommandContext(ctx, h.binary, "decompile", hexutil.Encode(code), "--default", "--output", outDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("反编译超时: %w", ctx.Err())
		}
		return nil, fmt.Errorf("反编译进程失败: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}

	raw, err := os.ReadFile(filepath.Join(outDir, "abi.json"))
	if err != nil {
		return nil, fmt.Errorf("读取abi.json失败: %w", err)
	}
	return ParseABI(raw)
}

// ParseABI 把标准 ABI JSON 转换为恢复结果
func ParseABI(raw []byte) (*Recovered, error) {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("解析abi.json失败: %w", err)
	}

	out := &Recovered{}
	for _, m := range sortedMethods(parsed.Methods) {
		out.Functions = append(out.Functions, models.Function{
			Selector:        hexutil.Encode(m.ID),
			Signature:       m.Sig,
			Name:            m.RawName,
			Inputs:          arguments(m.Inputs),
			Outputs:         arguments(m.Outputs),
			StateMutability: m.StateMutability,
		})
	}
	for _, e := range sortedEvents(parsed.Events) {
		out.Events = append(out.Events, models.Event{
			Topic:     e.ID.Hex(),
			Signature: e.Sig,
			Name:      e.RawName,
			Inputs:    arguments(e.Inputs),
		})
	}
	for _, e := range sortedErrors(parsed.Errors) {
		out.Errors = append(out.Errors, models.ErrorDef{
			Selector:  hexutil.Encode(e.ID[:4]),
			Signature: e.Sig,
			Name:      e.Name,
			Inputs:    arguments(e.Inputs),
		})
	}
	return out, nil
}

func arguments(args abi.Arguments) []models.Param {
	out := make([]models.Param, 0, len(args))
	for _, a := range args {
		out = append(out, models.Param{Name: a.Name, Type: a.Type.String()})
	}
	return out
}

// abi.JSON 返回 map，按签名排序保证输出稳定
func sortedMethods(m map[string]abi.Method) []abi.Method {
	out := make([]abi.Method, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sig < out[j].Sig })
	return out
}

func sortedEvents(m map[string]abi.Event) []abi.Event {
	out := make([]abi.Event, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sig < out[j].Sig })
	return out
}

func sortedErrors(m map[string]abi.Error) []abi.Error {
	out := make([]abi.Error, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sig < out[j].Sig })
	return out
}
