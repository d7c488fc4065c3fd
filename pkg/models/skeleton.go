package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// Param 参数类型描述
type Param struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type"`
}

// Function 恢复出的函数
type Function struct {
	Selector        string  `json:"selector"`
	Signature       string  `json:"signature"`
	Name            string  `json:"name"`
	Inputs          []Param `json:"inputs"`
	Outputs         []Param `json:"outputs"`
	StateMutability string  `json:"state_mutability,omitempty"`
}

// Event 恢复出的事件
type Event struct {
	Topic     string  `json:"topic"`
	Signature string  `json:"signature"`
	Name      string  `json:"name"`
	Inputs    []Param `json:"inputs"`
}

// ErrorDef 恢复出的自定义错误
type ErrorDef struct {
	Selector  string  `json:"selector"`
	Signature string  `json:"signature"`
	Name      string  `json:"name"`
	Inputs    []Param `json:"inputs"`
}

// Compliance 标准接口匹配数，部分匹配也有意义
type Compliance struct {
	ERC20  int `json:"erc20"`
	ERC721 int `json:"erc721"`
}

// Skeleton 归一化字节码指纹，ABI恢复的去重键
type Skeleton struct {
	Hash                string     `json:"hash" validate:"required,hexadecimal,len=66"`
	Strategy            string     `json:"strategy"`
	Masked              bool       `json:"masked"`
	CodeSize            int        `json:"code_size"`
	Shape               string     `json:"shape,omitempty"`
	Functions           []Function `json:"functions"`
	Events              []Event    `json:"events"`
	Errors              []ErrorDef `json:"errors"`
	Compliance          Compliance `json:"compliance"`
	FailedDecompilation bool       `json:"failed_decompilation"`
	Decompiler          string     `json:"decompiler,omitempty"`
	Attempts            int        `json:"attempts"`
	SimilarCode         []string   `json:"similar_code,omitempty"`
	SimilarInterface    []string   `json:"similar_interface,omitempty"`
}

// Selectors 排序后的函数选择器集合
func (s *Skeleton) Selectors() []string {
	out := make([]string, 0, len(s.Functions))
	for _, f := range s.Functions {
		out = append(out, strings.ToLower(f.Selector))
	}
	sort.Strings(out)
	return out
}

func (s *Skeleton) NaturalKey() NaturalKey       { return SkeletonKey(s.Hash) }
func (s *Skeleton) OwnerHeight() (uint64, bool) { return 0, false }
func (s *Skeleton) IdentityAttrs() []string     { return nil }

// Attributes 函数、事件、错误以签名列表保存，完整ABI序列化为JSON
func (s *Skeleton) Attributes() map[string]interface{} {
	functions := make([]string, 0, len(s.Functions))
	for _, f := range s.Functions {
		functions = append(functions, f.Signature)
	}
	events := make([]string, 0, len(s.Events))
	for _, e := range s.Events {
		events = append(events, e.Signature)
	}
	errs := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		errs = append(errs, e.Signature)
	}

	abiJSON, _ := json.Marshal(struct {
		Functions []Function `json:"functions"`
		Events    []Event    `json:"events"`
		Errors    []ErrorDef `json:"errors"`
	}{s.Functions, s.Events, s.Errors})

	return map[string]interface{}{
		"hash":                 strings.ToLower(s.Hash),
		"strategy":             s.Strategy,
		"masked":               s.Masked,
		"code_size":            s.CodeSize,
		"shape":                s.Shape,
		"functions":            functions,
		"events":               events,
		"errors":               errs,
		"selectors":            s.Selectors(),
		"abi":                  string(abiJSON),
		"erc20_compliance":     s.Compliance.ERC20,
		"erc721_compliance":    s.Compliance.ERC721,
		"failed_decompilation": s.FailedDecompilation,
		"decompiler":           s.Decompiler,
		"decompile_attempts":   s.Attempts,
	}
}

// References 相似骨架
func (s *Skeleton) References() []Ref {
	refs := make([]Ref, 0, len(s.SimilarCode)+len(s.SimilarInterface))
	for _, h := range s.SimilarCode {
		refs = append(refs, Ref{Predicate: "similar_code", Target: SkeletonKey(h), Multi: true})
	}
	for _, h := range s.SimilarInterface {
		refs = append(refs, Ref{Predicate: "similar_interface", Target: SkeletonKey(h), Multi: true})
	}
	return refs
}

// SkeletonFromAttributes 从存储属性还原骨架，用于缓存命中
func SkeletonFromAttributes(attrs map[string]interface{}) (*Skeleton, error) {
	s := &Skeleton{}
	s.Hash, _ = attrs["hash"].(string)
	s.Strategy, _ = attrs["strategy"].(string)
	s.Masked, _ = attrs["masked"].(bool)
	s.FailedDecompilation, _ = attrs["failed_decompilation"].(bool)
	s.Decompiler, _ = attrs["decompiler"].(string)
	s.Shape, _ = attrs["shape"].(string)
	s.CodeSize = toInt(attrs["code_size"])
	s.Attempts = toInt(attrs["decompile_attempts"])
	s.Compliance.ERC20 = toInt(attrs["erc20_compliance"])
	s.Compliance.ERC721 = toInt(attrs["erc721_compliance"])

	if raw, ok := attrs["abi"].(string); ok && raw != "" {
		var parsed struct {
			Functions []Function `json:"functions"`
			Events    []Event    `json:"events"`
			Errors    []ErrorDef `json:"errors"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, err
		}
		s.Functions, s.Events, s.Errors = parsed.Functions, parsed.Events, parsed.Errors
	}
	return s, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
