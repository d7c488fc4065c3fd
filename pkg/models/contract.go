package models

import (
	"math/big"
	"strings"
)

// ContractDeployment 合约部署：每笔创建交易一条，工厂在交易内部创建的合约各一条
type ContractDeployment struct {
	TxHash       string `json:"transaction_hash" validate:"required"`
	// TracePath 内部创建帧的调用路径，顶层创建为空
	TracePath    string `json:"trace_path,omitempty"`
	BlockNumber  uint64 `json:"block_number"`
	Contract     string `json:"contract" validate:"omitempty,eth_addr"`
	Creator      string `json:"creator" validate:"required,eth_addr"`
	CreationCode string `json:"creation_bytecode"`
	DeployedCode string `json:"deployed_bytecode"`
	SkeletonHash string `json:"skeleton,omitempty"`
	FailedDeploy bool   `json:"failed_deploy"`
	Name         string `json:"name,omitempty"`

	// solc 元数据
	SolcVersion     string `json:"solc_version,omitempty"`
	StorageProtocol string `json:"storage_protocol,omitempty"`
	StorageHash     string `json:"storage_hash,omitempty"`
	Experimental    bool   `json:"experimental,omitempty"`

	// 可选的验证源码
	VerifiedSource bool   `json:"verified_source"`
	SourceCode     string `json:"source_code,omitempty"`
}

// HasCode 部署成功且代码非空
func (d *ContractDeployment) HasCode() bool {
	return !d.FailedDeploy && len(d.DeployedCode) > 2
}

func (d *ContractDeployment) NaturalKey() NaturalKey {
	if d.TracePath != "" {
		return InternalDeploymentKey(d.TxHash, d.TracePath)
	}
	return DeploymentKey(d.TxHash)
}

func (d *ContractDeployment) OwnerHeight() (uint64, bool) { return d.BlockNumber, true }
func (d *ContractDeployment) IdentityAttrs() []string     { return []string{"contract"} }

// Attributes 标量属性
func (d *ContractDeployment) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"transaction_hash":  strings.ToLower(d.TxHash),
		"block_number":      d.BlockNumber,
		"contract":          d.Contract,
		"creation_bytecode": d.CreationCode,
		"deployed_bytecode": d.DeployedCode,
		"failed_deploy":     d.FailedDeploy,
		"verified_source":   d.VerifiedSource,
	}
	if d.TracePath != "" {
		attrs["trace_path"] = d.TracePath
	}
	if d.SolcVersion != "" {
		attrs["solc_version"] = d.SolcVersion
	}
	if d.StorageProtocol != "" {
		attrs["storage_protocol"] = d.StorageProtocol
		attrs["storage_hash"] = d.StorageHash
	}
	if d.Experimental {
		attrs["experimental"] = true
	}
	if d.Name != "" {
		attrs["name"] = d.Name
	}
	if d.SourceCode != "" {
		attrs["source_code"] = d.SourceCode
	}
	return attrs
}

// References 交易、区块、创建者、合约账户、骨架
func (d *ContractDeployment) References() []Ref {
	refs := []Ref{
		{Predicate: "transaction", Target: TransactionKey(d.TxHash)},
		{Predicate: "block", Target: BlockKey(d.BlockNumber)},
		{Predicate: "creator", Target: AccountKey(d.Creator)},
	}
	if d.Contract != "" {
		refs = append(refs, Ref{Predicate: "contract", Target: AccountKey(d.Contract)})
	}
	if d.SkeletonHash != "" {
		refs = append(refs, Ref{Predicate: "skeleton", Target: SkeletonKey(d.SkeletonHash)})
	}
	return refs
}

// ContractDestruction 合约自毁，失败的自毁同样记录
type ContractDestruction struct {
	TxHash        string   `json:"transaction_hash" validate:"required"`
	BlockNumber   uint64   `json:"block_number"`
	Contract      string   `json:"contract" validate:"required,eth_addr"`
	RefundAddress string   `json:"refund_address" validate:"required,eth_addr"`
	Balance       *big.Int `json:"balance_left"`
	Failed        bool     `json:"failed"`
}

func (d *ContractDestruction) NaturalKey() NaturalKey       { return DestructionKey(d.TxHash) }
func (d *ContractDestruction) OwnerHeight() (uint64, bool) { return d.BlockNumber, true }
func (d *ContractDestruction) IdentityAttrs() []string     { return []string{"contract"} }

// Attributes 标量属性
func (d *ContractDestruction) Attributes() map[string]interface{} {
	return map[string]interface{}{
		"transaction_hash": strings.ToLower(d.TxHash),
		"block_number":     d.BlockNumber,
		"contract":         d.Contract,
		"refund_address":   d.RefundAddress,
		"balance_left":     bigString(d.Balance),
		"failed":           d.Failed,
	}
}

// References 交易、区块、合约、退款地址
func (d *ContractDestruction) References() []Ref {
	return []Ref{
		{Predicate: "transaction", Target: TransactionKey(d.TxHash)},
		{Predicate: "block", Target: BlockKey(d.BlockNumber)},
		{Predicate: "contract", Target: AccountKey(d.Contract)},
		{Predicate: "refund_address", Target: AccountKey(d.RefundAddress)},
	}
}
