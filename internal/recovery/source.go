package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceProvider 已验证源码查询
type SourceProvider interface {
	Source(ctx context.Context, address string) (string, bool, error)
}

// DirectorySource 按 <root>/<前两位>/<去掉0x的地址>_<合约名>.<扩展名> 布局查找源码
type DirectorySource struct {
	root string
}

// NewDirectorySource 创建目录源码提供者
func NewDirectorySource(root string) *DirectorySource {
	return &DirectorySource{root: root}
}

func (d *DirectorySource) Source(_ context.Context, address string) (string, bool, error) {
	addr := strings.ToLower(address)
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return "", false, fmt.Errorf("地址格式无效: %s", address)
	}

	matches, err := filepath.Glob(filepath.Join(d.root, addr[2:4], addr[2:]+"_*"))
	if err != nil {
		return "", false, err
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	sort.Strings(matches)

	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return "", false, fmt.Errorf("读取源码失败: %w", err)
	}
	return string(raw), true, nil
}
