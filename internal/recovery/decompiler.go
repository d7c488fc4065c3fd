package recovery

import (
	"context"
	"fmt"

	"chaingraph/internal/decoder"
	"chaingraph/internal/skeleton"
	"chaingraph/pkg/models"
)

// Recovered 反编译得到的接口
type Recovered struct {
	Functions []models.Function
	Events    []models.Event
	Errors    []models.ErrorDef
}

// Decompiler ABI恢复工具
type Decompiler interface {
	Name() string
	Decompile(ctx context.Context, code []byte) (*Recovered, error)
}

// SignatureResolver 选择器到文本签名
type SignatureResolver interface {
	ResolveFunction(ctx context.Context, selector string) (string, bool)
	ResolveEvent(ctx context.Context, topic string) (string, bool)
}

// DispatchDecompiler 内置反编译：从分发表提取选择器，再查签名库命名
type DispatchDecompiler struct {
	resolver SignatureResolver
}

// NewDispatchDecompiler resolver 可为nil，此时函数名保持为选择器
func NewDispatchDecompiler(resolver SignatureResolver) *DispatchDecompiler {
	return &DispatchDecompiler{resolver: resolver}
}

func (d *DispatchDecompiler) Name() string { return "dispatch" }

func (d *DispatchDecompiler) Decompile(ctx context.Context, code []byte) (*Recovered, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("字节码为空")
	}

	out := &Recovered{}
	for _, sel := range skeleton.DispatchSelectors(code) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := models.Function{Selector: sel, Signature: sel, Name: sel}
		if d.resolver != nil {
			if sig, ok := d.resolver.ResolveFunction(ctx, sel); ok {
				f.Signature = sig
				if name, types, ok := decoder.ParseSignature(sig); ok {
					f.Name = name
					f.Inputs = params(types)
				}
			}
		}
		out.Functions = append(out.Functions, f)
	}

	for _, topic := range skeleton.EventTopics(code) {
		e := models.Event{Topic: topic, Signature: topic, Name: topic}
		if d.resolver != nil {
			if sig, ok := d.resolver.ResolveEvent(ctx, topic); ok {
				e.Signature = sig
				if name, types, ok := decoder.ParseSignature(sig); ok {
					e.Name = name
					e.Inputs = params(types)
				}
			}
		}
		out.Events = append(out.Events, e)
	}
	return out, nil
}

func params(types []string) []models.Param {
	out := make([]models.Param, 0, len(types))
	for _, t := range types {
		out = append(out, models.Param{Type: t})
	}
	return out
}
