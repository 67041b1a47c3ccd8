package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrNumericShape reports a value that none of the recognized numeric
// shapes could absorb.
var ErrNumericShape = errors.New("chain: unrecognized numeric shape")

// DecBig is a big integer that marshals as a decimal JSON string. The API
// and the NDJSON files always emit decimal strings regardless of how the
// RPC library represented the number.
type DecBig big.Int

// NewDecBig wraps v (nil becomes zero).
func NewDecBig(v *big.Int) *DecBig {
	if v == nil {
		return (*DecBig)(new(big.Int))
	}
	return (*DecBig)(new(big.Int).Set(v))
}

// Big returns the underlying big.Int (never nil).
func (d *DecBig) Big() *big.Int {
	if d == nil {
		return new(big.Int)
	}
	return (*big.Int)(d)
}

// String renders the decimal representation.
func (d *DecBig) String() string { return d.Big().String() }

// MarshalJSON emits a decimal string.
func (d *DecBig) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Big().String())
}

// UnmarshalJSON accepts a decimal string, a 0x-hex string, or a bare JSON
// number.
func (d *DecBig) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Bare number.
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		s = n.String()
	}
	v, err := parseNumericString(s)
	if err != nil {
		return err
	}
	(*big.Int)(d).Set(v)
	return nil
}

// BigInter is implemented by wrapper objects exposing their value as a
// big integer (the bigint shape of RPC result zoos).
type BigInter interface {
	ToBigInt() *big.Int
}

// Numberer is implemented by wrapper objects exposing their value as an
// int64.
type Numberer interface {
	ToNumber() int64
}

// CoerceBigInt converts any of the numeric shapes RPC libraries produce
// into a big.Int: *big.Int, decimal string, 0x-hex string, json.Number,
// native integers and floats, objects with a `_hex` field (decoded JSON
// maps), and wrappers exposing ToBigInt or ToNumber. It never calls a
// method that exists on only one shape.
func CoerceBigInt(v interface{}) (*big.Int, error) {
	switch x := v.(type) {
	case nil:
		return nil, ErrNumericShape
	case *big.Int:
		return new(big.Int).Set(x), nil
	case big.Int:
		return new(big.Int).Set(&x), nil
	case *DecBig:
		return x.Big(), nil
	case string:
		return parseNumericString(x)
	case json.Number:
		return parseNumericString(x.String())
	case float64:
		if x != float64(int64(x)) {
			return nil, fmt.Errorf("%w: non-integral float %v", ErrNumericShape, x)
		}
		return big.NewInt(int64(x)), nil
	case int:
		return big.NewInt(int64(x)), nil
	case int64:
		return big.NewInt(x), nil
	case uint64:
		return new(big.Int).SetUint64(x), nil
	case map[string]interface{}:
		if hexVal, ok := x["_hex"].(string); ok {
			return parseNumericString(hexVal)
		}
		return nil, fmt.Errorf("%w: object without _hex", ErrNumericShape)
	}
	if bi, ok := v.(BigInter); ok {
		if b := bi.ToBigInt(); b != nil {
			return new(big.Int).Set(b), nil
		}
		return nil, ErrNumericShape
	}
	if nm, ok := v.(Numberer); ok {
		return big.NewInt(nm.ToNumber()), nil
	}
	if st, ok := v.(fmt.Stringer); ok {
		return parseNumericString(st.String())
	}
	return nil, fmt.Errorf("%w: %T", ErrNumericShape, v)
}

// CoerceDecimalString coerces like CoerceBigInt and renders the result as
// a decimal string.
func CoerceDecimalString(v interface{}) (string, error) {
	b, err := CoerceBigInt(v)
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func parseNumericString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrNumericShape)
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
		if s == "" {
			return new(big.Int), nil
		}
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNumericShape, s)
	}
	return v, nil
}
