package validation

import (
	"io"
	"math/big"
	"testing"
	"time"

	syncerrors "chaingraph/internal/errors"
	"chaingraph/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	blockHash  = "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
	parentHash = "0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"
	txHash     = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	miner      = "0x1234567890abcdef1234567890abcdef12345678"
	sender     = "0x00000000000000000000000000000000000000f1"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func validRecordSet() *models.RecordSet {
	return &models.RecordSet{
		Block: &models.Block{
			Number:     1000,
			Hash:       blockHash,
			ParentHash: parentHash,
			Timestamp:  time.Unix(1700000000, 0),
			Miner:      miner,
			Difficulty: big.NewInt(0),
		},
		Accounts: []*models.Account{{Address: miner}, {Address: sender}},
		Transactions: []*models.Transaction{{
			Hash:        txHash,
			BlockNumber: 1000,
			BlockHash:   blockHash,
			From:        sender,
			Value:       big.NewInt(1),
			Status:      1,
		}},
	}
}

func TestNewValidator(t *testing.T) {
	v := NewValidator(quietLogger(), true)

	assert.NotNil(t, v)
	assert.True(t, v.strictMode)
	assert.Equal(t, 3, len(v.rules)) // 默认注册的规则数量
}

func TestValidateRecordSet_Valid(t *testing.T) {
	v := NewValidator(quietLogger(), true)

	result := v.ValidateRecordSet(validRecordSet())
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, result.Err())
	assert.Equal(t, uint64(1000), result.Block)
}

func TestValidateRecordSet_InvalidFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rs *models.RecordSet)
	}{
		{"bad block hash", func(rs *models.RecordSet) { rs.Block.Hash = "invalid_hash" }},
		{"bad miner", func(rs *models.RecordSet) { rs.Block.Miner = "0x12" }},
		{"bad sender", func(rs *models.RecordSet) { rs.Transactions[0].From = "not-an-address" }},
		{"bad account", func(rs *models.RecordSet) { rs.Accounts[1].Address = "" }},
		{"bad transfer standard", func(rs *models.RecordSet) {
			rs.Transfers = []*models.TokenTransfer{{
				TxHash: txHash, BlockNumber: 1000, Standard: "erc1155",
				Contract: miner, From: sender, To: sender,
			}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(quietLogger(), false)
			rs := validRecordSet()
			tt.mutate(rs)

			result := v.ValidateRecordSet(rs)
			assert.False(t, result.Valid)
			require.NotEmpty(t, result.Errors)
			assert.Equal(t, syncerrors.CodeInvalidRecord, result.Errors[0].Code)

			err := result.Err()
			require.Error(t, err)
			assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeValidation))
		})
	}
}

func TestValidateRecordSet_RulesWarnUnlessStrict(t *testing.T) {
	rs := validRecordSet()
	rs.Transactions[0].BlockNumber = 999 // 归属高度不一致

	lenient := NewValidator(quietLogger(), false).ValidateRecordSet(rs)
	assert.True(t, lenient.Valid)
	assert.Len(t, lenient.Warnings, 1)

	strict := NewValidator(quietLogger(), true).ValidateRecordSet(rs)
	assert.False(t, strict.Valid)
	require.Len(t, strict.Errors, 1)
	assert.Equal(t, "ownership", strict.Errors[0].Context["rule"])
}

func TestValidateRecordSet_DestructionWithoutTx(t *testing.T) {
	rs := validRecordSet()
	rs.Destructions = []*models.ContractDestruction{{
		TxHash:        "0x00000000000000000000000000000000000000000000000000000000000000bb",
		BlockNumber:   1000,
		Contract:      miner,
		RefundAddress: sender,
	}}

	result := NewValidator(quietLogger(), true).ValidateRecordSet(rs)
	assert.False(t, result.Valid)
	assert.Equal(t, "destruction_tx", result.Errors[0].Context["rule"])
}

func TestValidateRecordSet_MissingBlock(t *testing.T) {
	v := NewValidator(quietLogger(), false)
	assert.False(t, v.ValidateRecordSet(nil).Valid)
	assert.False(t, v.ValidateRecordSet(&models.RecordSet{}).Valid)
}

func TestGetValidationStats(t *testing.T) {
	v := NewValidator(quietLogger(), false)
	v.ValidateRecordSet(validRecordSet())
	v.ValidateRecordSet(nil)

	stats := v.GetValidationStats()
	assert.Equal(t, 1, stats["checked"])
	assert.Equal(t, false, stats["strict_mode"])

	v.SetStrictMode(true)
	assert.Equal(t, true, v.GetValidationStats()["strict_mode"])
}
