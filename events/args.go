package events

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MarshalArgs serializes decoded argument values to JSON with binary and
// hash fields rendered as 0x-prefixed hex, so failure records stay
// readable and replayable
func MarshalArgs(args map[string]interface{}) (string, error) {
	normalized := make(map[string]interface{}, len(args))
	for name, value := range args {
		normalized[name] = normalizeArg(value)
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to marshal args: %w", err)
	}
	return string(data), nil
}

func normalizeArg(value interface{}) interface{} {
	switch v := value.(type) {
	case common.Address:
		return v.Hex()
	case *common.Address:
		if v == nil {
			return nil
		}
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case *big.Int:
		if v == nil {
			return nil
		}
		return v.String()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Array:
		// Fixed-size byte arrays (bytes32 and friends) render as hex
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				buf[i] = byte(rv.Index(i).Uint())
			}
			return hexutil.Encode(buf)
		}
		fallthrough
	case reflect.Slice:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeArg(rv.Index(i).Interface())
		}
		return out
	}

	return value
}
