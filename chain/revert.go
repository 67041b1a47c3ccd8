package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Standard solidity revert selectors.
var (
	errorStringSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector       = [4]byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

// Solidity panic codes with human-readable names.
var panicReasons = map[uint64]string{
	0x00: "generic panic",
	0x01: "assertion failed",
	0x11: "arithmetic overflow or underflow",
	0x12: "division or modulo by zero",
	0x21: "invalid enum value",
	0x22: "corrupted storage byte array",
	0x31: "pop on empty array",
	0x32: "array index out of bounds",
	0x41: "out of memory",
	0x51: "call to uninitialized function",
}

// ParseRevert normalizes revert data into a readable string. It recognizes
// the entry-point's FailedOp and FailedOpWithRevert custom errors, standard
// Error(string) and Panic(uint256) payloads, and falls back to raw hex.
func ParseRevert(data []byte) string {
	if len(data) == 0 {
		return "execution reverted"
	}
	if len(data) < 4 {
		return "execution reverted: " + hexutil.Encode(data)
	}

	var sel [4]byte
	copy(sel[:], data[:4])
	payload := data[4:]

	switch sel {
	case errorStringSelector:
		if reason, err := unpackErrorString(payload); err == nil {
			return "execution reverted: " + reason
		}
	case panicSelector:
		if code, err := unpackPanicCode(payload); err == nil {
			if name, ok := panicReasons[code]; ok {
				return fmt.Sprintf("panic 0x%02x: %s", code, name)
			}
			return fmt.Sprintf("panic 0x%02x", code)
		}
	case failedOpSelector:
		if vals, err := failedOpError.Unpack(data); err == nil {
			if args, ok := vals.([]interface{}); ok && len(args) == 2 {
				return fmt.Sprintf("FailedOp(%v, %q)", args[0], args[1])
			}
		}
	case failedOpWithRevertSelector:
		if vals, err := failedOpWithRevertError.Unpack(data); err == nil {
			if args, ok := vals.([]interface{}); ok && len(args) == 3 {
				inner, _ := args[2].([]byte)
				return fmt.Sprintf("FailedOpWithRevert(%v, %q, %s)",
					args[0], args[1], ParseRevert(inner))
			}
		}
	}
	return "execution reverted: " + hexutil.Encode(data)
}

// dataError matches go-ethereum's rpc.DataError without importing the
// concrete type: JSON-RPC errors carry the revert payload out-of-band.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// RevertData extracts revert bytes from a JSON-RPC error, when present.
func RevertData(err error) ([]byte, bool) {
	de, ok := err.(dataError)
	if !ok {
		return nil, false
	}
	switch d := de.ErrorData().(type) {
	case string:
		b, decErr := hexutil.Decode(d)
		if decErr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return d, true
	}
	return nil, false
}

// ParseRevertError renders any error from a chain call as a readable
// string, decoding the revert payload when one is attached.
func ParseRevertError(err error) string {
	if err == nil {
		return ""
	}
	if data, ok := RevertData(err); ok {
		return ParseRevert(data)
	}
	return err.Error()
}

func unpackErrorString(payload []byte) (string, error) {
	// offset (32) + length (32) + data.
	if len(payload) < 64 {
		return "", fmt.Errorf("short Error(string) payload")
	}
	length := new(big.Int).SetBytes(payload[32:64]).Uint64()
	if uint64(len(payload)) < 64+length {
		return "", fmt.Errorf("truncated Error(string) payload")
	}
	return strings.ToValidUTF8(string(payload[64:64+length]), ""), nil
}

func unpackPanicCode(payload []byte) (uint64, error) {
	if len(payload) < 32 {
		return 0, fmt.Errorf("short Panic(uint256) payload")
	}
	return new(big.Int).SetBytes(payload[:32]).Uint64(), nil
}
