package skeleton

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Metadata solc 在运行时代码末尾追加的 CBOR 元数据
type Metadata struct {
	SolcVersion     string `json:"solc_version,omitempty"`
	StorageProtocol string `json:"storage_protocol,omitempty"` // ipfs, bzzr0, bzzr1
	StorageHash     string `json:"storage_hash,omitempty"`
	Experimental    bool   `json:"experimental,omitempty"`
}

var errNotCBOR = errors.New("不是可识别的CBOR元数据")

// splitMetadata 拆出末尾元数据，无法识别时原样返回代码
func splitMetadata(code []byte) ([]byte, *Metadata) {
	if len(code) < 4 {
		return code, nil
	}
	n := int(binary.BigEndian.Uint16(code[len(code)-2:]))
	if n == 0 || n+2 > len(code) {
		return code, nil
	}
	start := len(code) - 2 - n
	meta, err := parseMetadata(code[start : len(code)-2])
	if err != nil {
		return code, nil
	}
	return code[:start], meta
}

// ParseMetadata 解析部署代码中的 solc 元数据
func ParseMetadata(code []byte) (*Metadata, bool) {
	_, meta := splitMetadata(code)
	return meta, meta != nil
}

// parseMetadata solc 输出的 CBOR map，至少包含一个已知字段
func parseMetadata(buf []byte) (*Metadata, error) {
	var fields map[string]cbor.RawMessage
	if err := cbor.Unmarshal(buf, &fields); err != nil {
		return nil, errNotCBOR
	}

	meta := &Metadata{}
	known := 0
	for key, raw := range fields {
		switch key {
		case "solc":
			// 正式版是3字节版本号，nightly 是完整的版本字符串
			var version []byte
			if err := cbor.Unmarshal(raw, &version); err == nil && len(version) == 3 {
				meta.SolcVersion = fmt.Sprintf("%d.%d.%d", version[0], version[1], version[2])
			} else {
				var text string
				if err := cbor.Unmarshal(raw, &text); err != nil {
					return nil, errNotCBOR
				}
				meta.SolcVersion = text
			}
			known++
		case "ipfs", "bzzr0", "bzzr1":
			var hash []byte
			if err := cbor.Unmarshal(raw, &hash); err != nil {
				return nil, errNotCBOR
			}
			meta.StorageProtocol = key
			meta.StorageHash = "0x" + hex.EncodeToString(hash)
			known++
		case "experimental":
			if err := cbor.Unmarshal(raw, &meta.Experimental); err != nil {
				return nil, errNotCBOR
			}
			known++
		}
	}
	if known == 0 {
		return nil, errNotCBOR
	}
	return meta, nil
}
