package models

import "sort"

// 账户标签
const (
	TagERC20      = "erc20"
	TagERC721     = "erc721"
	TagDestructed = "self_destructed"
	TagValidator  = "withdrawal_recipient"
	TagMiner      = "miner"
)

// Account 账户，首次被引用时创建，不随重组失效
type Account struct {
	Address    string          `json:"address" validate:"required,eth_addr"`
	IsContract bool            `json:"is_contract"`
	Tags       map[string]bool `json:"tags,omitempty"`
}

// Tag 添加标签
func (a *Account) Tag(tag string) *Account {
	if a.Tags == nil {
		a.Tags = make(map[string]bool)
	}
	a.Tags[tag] = true
	return a
}

// TagList 排序后的标签
func (a *Account) TagList() []string {
	out := make([]string, 0, len(a.Tags))
	for t := range a.Tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NaturalKey 小写地址
func (a *Account) NaturalKey() NaturalKey { return AccountKey(a.Address) }

// OwnerHeight 账户不归属区块
func (a *Account) OwnerHeight() (uint64, bool) { return 0, false }

// IdentityAttrs 账户无不可变字段
func (a *Account) IdentityAttrs() []string { return nil }

// Attributes 只写出已知事实，合并时不会覆盖已有的合约标记和标签
func (a *Account) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{"address": NormalizeAddress(a.Address)}
	if a.IsContract {
		attrs["is_contract"] = true
	}
	for _, t := range a.TagList() {
		attrs["tag."+t] = true
	}
	return attrs
}

// References 账户没有出边
func (a *Account) References() []Ref { return nil }
