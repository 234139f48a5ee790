package events

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalArgsRendersHex(t *testing.T) {
	address := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	hash := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

	args := map[string]interface{}{
		"from":   address,
		"id":     hash,
		"value":  big.NewInt(1000000000000000000),
		"data":   []byte{0xde, 0xad, 0xbe, 0xef},
		"digest": [32]byte{0x01, 0x02},
		"flag":   true,
		"count":  uint8(7),
	}

	out, err := MarshalArgs(args)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))

	assert.Equal(t, address.Hex(), decoded["from"])
	assert.Equal(t, hash.Hex(), decoded["id"])
	assert.Equal(t, "1000000000000000000", decoded["value"])
	assert.Equal(t, "0xdeadbeef", decoded["data"])
	assert.Equal(t, "0x0102000000000000000000000000000000000000000000000000000000000000", decoded["digest"])
	assert.Equal(t, true, decoded["flag"])
	assert.Equal(t, float64(7), decoded["count"])
}

func TestMarshalArgsNestedSlices(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")

	out, err := MarshalArgs(map[string]interface{}{
		"recipients": []common.Address{a, b},
		"amounts":    []*big.Int{big.NewInt(1), big.NewInt(2)},
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))

	recipients, ok := decoded["recipients"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{a.Hex(), b.Hex()}, recipients)

	amounts, ok := decoded["amounts"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"1", "2"}, amounts)
}

func TestMarshalArgsNilValues(t *testing.T) {
	out, err := MarshalArgs(map[string]interface{}{
		"addr":  (*common.Address)(nil),
		"value": (*big.Int)(nil),
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Nil(t, decoded["addr"])
	assert.Nil(t, decoded["value"])
}

func TestMarshalArgsEmpty(t *testing.T) {
	out, err := MarshalArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
}

func logFixture() types.Log {
	return types.Log{
		Address:     common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		Topics:      []common.Hash{common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")},
		BlockNumber: 123,
		Index:       7,
		TxIndex:     2,
		TxHash:      common.HexToHash("0x4444444444444444444444444444444444444444444444444444444444444444"),
		BlockHash:   common.HexToHash("0x5555555555555555555555555555555555555555555555555555555555555555"),
	}
}

func TestNewFailureRecord(t *testing.T) {
	event := &DecodedEvent{
		Name: "Transfer",
		Args: map[string]interface{}{
			"value": big.NewInt(42),
		},
		Log: logFixture(),
	}
	watched := &WatchedEvent{
		ChainID:  1,
		Name:     "Transfer",
		Address:  common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		Topic:    common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"),
		Receiver: "log",
	}

	record := NewFailureRecord(event, watched)

	assert.Equal(t, "Transfer", record.Event)
	assert.Equal(t, event.Log.TxHash.Hex(), record.TransactionHash)
	assert.Equal(t, event.Log.BlockHash.Hex(), record.BlockHash)
	assert.Equal(t, uint64(123), record.BlockNumber)
	assert.Equal(t, uint(7), record.LogIndex)
	assert.Equal(t, watched.Address.Hex(), record.WatchedAddress)
	assert.Equal(t, watched.Topic.Hex(), record.WatchedTopic)
	assert.Equal(t, "log", record.Receiver)
	assert.JSONEq(t, `{"value":"42"}`, record.Args)
	assert.False(t, record.CreatedAt.IsZero())
}
