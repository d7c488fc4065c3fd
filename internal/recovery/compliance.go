package recovery

import (
	"strings"

	"chaingraph/internal/decoder"
	"chaingraph/pkg/models"
)

// ERC20Functions ERC-20 必需函数
var ERC20Functions = []string{
	"totalSupply()",
	"balanceOf(address)",
	"transfer(address,uint256)",
	"transferFrom(address,address,uint256)",
	"approve(address,uint256)",
	"allowance(address,address)",
}

// ERC721Functions ERC-721 必需函数
var ERC721Functions = []string{
	"balanceOf(address)",
	"ownerOf(uint256)",
	"safeTransferFrom(address,address,uint256,bytes)",
	"safeTransferFrom(address,address,uint256)",
	"transferFrom(address,address,uint256)",
	"approve(address,uint256)",
	"setApprovalForAll(address,bool)",
	"getApproved(uint256)",
	"isApprovedForAll(address,address)",
}

func selectorSet(sigs []string) map[string]bool {
	out := make(map[string]bool, len(sigs))
	for _, s := range sigs {
		out[decoder.Selector(s)] = true
	}
	return out
}

var (
	erc20Selectors  = selectorSet(ERC20Functions)
	erc721Selectors = selectorSet(ERC721Functions)
)

// ComputeCompliance 统计命中的标准函数个数，按选择器比较
func ComputeCompliance(functions []models.Function) models.Compliance {
	seen := make(map[string]bool, len(functions))
	var c models.Compliance
	for _, f := range functions {
		sel := strings.ToLower(f.Selector)
		if seen[sel] {
			continue
		}
		seen[sel] = true
		if erc20Selectors[sel] {
			c.ERC20++
		}
		if erc721Selectors[sel] {
			c.ERC721++
		}
	}
	return c
}

// InterfaceFingerprint 选择器集合指纹，相同接口的骨架共享
func InterfaceFingerprint(s *models.Skeleton) string {
	sels := s.Selectors()
	if len(sels) == 0 {
		return ""
	}
	return strings.Join(sels, ",")
}
