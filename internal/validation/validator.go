package validation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/pkg/models"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Validator 记录校验器，结构体标签之外再挂载跨字段规则
type Validator struct {
	logger     *logrus.Logger
	strictMode bool
	validate   *validator.Validate
	rules      map[string]ValidationRule

	mu      sync.Mutex
	checked int
	failed  int
}

// ValidationRule 跨字段规则
type ValidationRule interface {
	Validate(rs *models.RecordSet) error
	Name() string
	Description() string
}

// ValidationResult 校验结果
type ValidationResult struct {
	Valid    bool                    `json:"valid"`
	Errors   []*syncerrors.SyncError `json:"errors,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
	Block    uint64                  `json:"block"`
}

// Err 合并为单个错误，无错误时返回nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return syncerrors.NewSyncError(syncerrors.ErrorTypeValidation, syncerrors.SeverityHigh,
		syncerrors.CodeInvalidRecord, strings.Join(msgs, "; ")).WithBlockNumber(r.Block)
}

var hashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// NewValidator 创建校验器；严格模式下警告也视为失败
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		validate:   validator.New(),
		rules:      make(map[string]ValidationRule),
	}
	v.AddRule(&parentLinkRule{})
	v.AddRule(&ownershipRule{})
	v.AddRule(&destructionRule{})
	return v
}

// AddRule 注册规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateRecordSet 校验单个区块派生出的全部记录
func (v *Validator) ValidateRecordSet(rs *models.RecordSet) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if rs == nil || rs.Block == nil {
		result.Valid = false
		result.Errors = append(result.Errors, syncerrors.NewSyncError(syncerrors.ErrorTypeValidation,
			syncerrors.SeverityHigh, syncerrors.CodeInvalidRecord, "记录集缺少区块"))
		return result
	}
	result.Block = rs.Block.Number

	for _, e := range rs.Entities() {
		if err := v.validate.Struct(e); err != nil {
			key := e.NaturalKey()
			result.Valid = false
			result.Errors = append(result.Errors, syncerrors.WrapError(err, syncerrors.ErrorTypeValidation,
				syncerrors.SeverityMedium, syncerrors.CodeInvalidRecord, "字段校验失败").
				WithContext("key", key.String()).
				WithBlockNumber(rs.Block.Number))
		}
	}

	for name, rule := range v.rules {
		if err := rule.Validate(rs); err != nil {
			if v.strictMode {
				result.Valid = false
				result.Errors = append(result.Errors, syncerrors.WrapError(err, syncerrors.ErrorTypeValidation,
					syncerrors.SeverityMedium, syncerrors.CodeInvalidRecord, "规则校验失败").
					WithContext("rule", name).
					WithBlockNumber(rs.Block.Number))
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", name, err))
			}
		}
	}

	v.mu.Lock()
	v.checked++
	if !result.Valid {
		v.failed++
	}
	v.mu.Unlock()

	if len(result.Warnings) > 0 {
		v.logger.WithFields(logrus.Fields{
			"block":    rs.Block.Number,
			"warnings": result.Warnings,
		}).Warn("记录校验存在警告")
	}
	return result
}

// parentLinkRule 区块哈希格式与父哈希
type parentLinkRule struct{}

func (r *parentLinkRule) Name() string        { return "block_hashes" }
func (r *parentLinkRule) Description() string { return "区块哈希为小写32字节，且不等于父哈希" }

func (r *parentLinkRule) Validate(rs *models.RecordSet) error {
	h, p := strings.ToLower(rs.Block.Hash), strings.ToLower(rs.Block.ParentHash)
	if !hashPattern.MatchString(h) || !hashPattern.MatchString(p) {
		return fmt.Errorf("区块 %d 哈希格式无效", rs.Block.Number)
	}
	if h == p {
		return fmt.Errorf("区块 %d 哈希与父哈希相同", rs.Block.Number)
	}
	return nil
}

// ownershipRule 所有归属实体必须指向同一区块高度
type ownershipRule struct{}

func (r *ownershipRule) Name() string        { return "ownership" }
func (r *ownershipRule) Description() string { return "归属实体的高度与区块一致" }

func (r *ownershipRule) Validate(rs *models.RecordSet) error {
	for _, e := range rs.Entities() {
		h, owned := e.OwnerHeight()
		if owned && h != rs.Block.Number {
			return fmt.Errorf("%s 归属高度 %d，区块为 %d", e.NaturalKey(), h, rs.Block.Number)
		}
	}
	return nil
}

// destructionRule 自毁记录必须有对应交易
type destructionRule struct{}

func (r *destructionRule) Name() string        { return "destruction_tx" }
func (r *destructionRule) Description() string { return "自毁记录引用本区块内的交易" }

func (r *destructionRule) Validate(rs *models.RecordSet) error {
	if len(rs.Destructions) == 0 {
		return nil
	}
	txs := make(map[string]bool, len(rs.Transactions))
	for _, tx := range rs.Transactions {
		txs[strings.ToLower(tx.Hash)] = true
	}
	for _, d := range rs.Destructions {
		if !txs[strings.ToLower(d.TxHash)] {
			return fmt.Errorf("自毁记录 %s 没有对应交易", d.TxHash)
		}
	}
	return nil
}

// GetValidationStats 校验统计
func (v *Validator) GetValidationStats() map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	rules := make([]string, 0, len(v.rules))
	for name := range v.rules {
		rules = append(rules, name)
	}
	return map[string]interface{}{
		"strict_mode": v.strictMode,
		"rules":       rules,
		"checked":     v.checked,
		"failed":      v.failed,
	}
}

// SetStrictMode 切换严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
}
