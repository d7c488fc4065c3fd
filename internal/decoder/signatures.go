package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chaingraph/internal/config"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// SignatureResolver 把函数选择器和事件主题解析成文本签名
type SignatureResolver struct {
	logger *logrus.Logger
	config *config.DecoderConfig
	client *http.Client

	mu    sync.RWMutex
	cache map[string]string // 选择器/主题 -> 文本签名
}

// FourByteResponse 4byte.directory API响应
type FourByteResponse struct {
	Count    int         `json:"count"`
	Next     *string     `json:"next"`
	Previous *string     `json:"previous"`
	Results  []signature `json:"results"`
}

type signature struct {
	ID             int    `json:"id"`
	CreatedAt      string `json:"created_at"`
	TextSignature  string `json:"text_signature"`
	HexSignature   string `json:"hex_signature"`
	BytesSignature string `json:"bytes_signature"`
}

// 常见标准接口签名，离线可用
var knownSignatures = []string{
	"totalSupply()",
	"balanceOf(address)",
	"transfer(address,uint256)",
	"transferFrom(address,address,uint256)",
	"approve(address,uint256)",
	"allowance(address,address)",
	"name()",
	"symbol()",
	"decimals()",
	"ownerOf(uint256)",
	"safeTransferFrom(address,address,uint256)",
	"safeTransferFrom(address,address,uint256,bytes)",
	"setApprovalForAll(address,bool)",
	"getApproved(uint256)",
	"isApprovedForAll(address,address)",
	"supportsInterface(bytes4)",
	"tokenURI(uint256)",
	"mint(address,uint256)",
	"burn(uint256)",
	"owner()",
	"transferOwnership(address)",
	"renounceOwnership()",
}

var knownEvents = []string{
	"Transfer(address,address,uint256)",
	"Approval(address,address,uint256)",
	"ApprovalForAll(address,address,bool)",
	"OwnershipTransferred(address,address)",
}

var (
	builtinOnce      sync.Once
	builtinFunctions map[string]string
	builtinEvents    map[string]string
)

func builtins() (map[string]string, map[string]string) {
	builtinOnce.Do(func() {
		builtinFunctions = make(map[string]string, len(knownSignatures))
		for _, sig := range knownSignatures {
			builtinFunctions[Selector(sig)] = sig
		}
		builtinEvents = make(map[string]string, len(knownEvents))
		for _, sig := range knownEvents {
			builtinEvents[EventTopic(sig)] = sig
		}
	})
	return builtinFunctions, builtinEvents
}

// Selector 文本签名的4字节选择器
func Selector(sig string) string {
	return fmt.Sprintf("0x%x", crypto.Keccak256([]byte(sig))[:4])
}

// EventTopic 事件签名的topic0
func EventTopic(sig string) string {
	return crypto.Keccak256Hash([]byte(sig)).Hex()
}

// NewSignatureResolver 创建签名解析器
func NewSignatureResolver(logger *logrus.Logger, decoderConfig *config.DecoderConfig) *SignatureResolver {
	if decoderConfig == nil {
		decoderConfig = &config.DecoderConfig{
			FourByteAPIURL: "https://www.4byte.directory/api/v1/signatures/",
			APITimeout:     "5s",
			EnableCache:    true,
			CacheSize:      10000,
			EnableAPI:      true,
		}
	}

	timeout, err := time.ParseDuration(decoderConfig.APITimeout)
	if err != nil {
		timeout = 5 * time.Second
		logger.Warnf("解析API超时时间失败，使用默认值5s: %v", err)
	}
	if decoderConfig.CacheSize <= 0 {
		decoderConfig.CacheSize = 10000
	}

	return &SignatureResolver{
		logger: logger,
		config: decoderConfig,
		cache:  make(map[string]string),
		client: &http.Client{Timeout: timeout},
	}
}

// ResolveFunction 查询选择器对应的函数签名
func (d *SignatureResolver) ResolveFunction(ctx context.Context, selector string) (string, bool) {
	selector = strings.ToLower(selector)
	functions, _ := builtins()
	if sig, ok := functions[selector]; ok {
		return sig, true
	}
	return d.lookup(ctx, selector, d.config.FourByteAPIURL)
}

// ResolveEvent 查询topic0对应的事件签名
func (d *SignatureResolver) ResolveEvent(ctx context.Context, topic string) (string, bool) {
	topic = strings.ToLower(topic)
	_, events := builtins()
	if sig, ok := events[topic]; ok {
		return sig, true
	}
	return d.lookup(ctx, topic, eventEndpoint(d.config.FourByteAPIURL))
}

// eventEndpoint 由函数签名地址推出事件签名地址
func eventEndpoint(functionURL string) string {
	return strings.Replace(functionURL, "/signatures/", "/event-signatures/", 1)
}

func (d *SignatureResolver) lookup(ctx context.Context, hex, endpoint string) (string, bool) {
	if d.config.EnableCache {
		d.mu.RLock()
		name, exists := d.cache[hex]
		d.mu.RUnlock()
		if exists {
			return name, name != ""
		}
	}

	if !d.config.EnableAPI {
		return "", false
	}

	name := d.fetchFromFourByteDirectory(ctx, endpoint, hex)
	if d.config.EnableCache {
		d.mu.Lock()
		if len(d.cache) >= d.config.CacheSize {
			d.evictCache()
		}
		// 未命中也缓存，避免反复请求
		d.cache[hex] = name
		d.mu.Unlock()
	}
	return name, name != ""
}

// fetchFromFourByteDirectory 从4byte.directory API获取签名
func (d *SignatureResolver) fetchFromFourByteDirectory(ctx context.Context, endpoint, hex string) string {
	url := fmt.Sprintf("%s?hex_signature=%s", endpoint, hex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debugf("4byte.directory API调用失败: %v", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Debugf("4byte.directory API返回错误状态: %d", resp.StatusCode)
		return ""
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Debugf("读取4byte.directory响应失败: %v", err)
		return ""
	}

	var response FourByteResponse
	if err := json.Unmarshal(body, &response); err != nil {
		d.logger.Debugf("解析4byte.directory响应失败: %v", err)
		return ""
	}

	// 同一选择器可能有多个碰撞签名，取最早登记的一个
	if len(response.Results) > 0 {
		oldest := response.Results[0]
		for _, r := range response.Results[1:] {
			if r.ID < oldest.ID {
				oldest = r
			}
		}
		return oldest.TextSignature
	}
	return ""
}

// GetCacheSize 获取缓存大小
func (d *SignatureResolver) GetCacheSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

// ClearCache 清理缓存
func (d *SignatureResolver) ClearCache() {
	d.mu.Lock()
	d.cache = make(map[string]string)
	d.mu.Unlock()
}

// evictCache 清理一半缓存，调用方持有写锁
func (d *SignatureResolver) evictCache() {
	targetSize := d.config.CacheSize / 2
	count := 0
	for key := range d.cache {
		if count >= len(d.cache)-targetSize {
			break
		}
		delete(d.cache, key)
		count++
	}
	d.logger.Debugf("签名缓存清理完成，剩余 %d 项", len(d.cache))
}

// ParseSignature 拆分 "name(type1,type2)" 形式的文本签名
func ParseSignature(sig string) (name string, types []string, ok bool) {
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return "", nil, false
	}
	name = sig[:open]
	inner := sig[open+1 : len(sig)-1]
	if inner == "" {
		return name, nil, true
	}

	// 按顶层逗号切分，保留元组内部的逗号
	depth, start := 0, 0
	for i, c := range inner {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				types = append(types, inner[start:i])
				start = i + 1
			}
		}
	}
	types = append(types, inner[start:])
	return name, types, true
}
