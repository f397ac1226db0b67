package codec

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is a non-negative, arbitrary-precision integer quantity (a u128
// in spec terms) that always encodes to JSON as a base-10 decimal string,
// never a JSON number, so that no float or 64-bit truncation can occur on
// any downstream consumer.
type Amount struct {
	v *big.Int
}

// ZeroAmount returns the Amount 0.
func ZeroAmount() Amount {
	return Amount{v: big.NewInt(0)}
}

// NewAmount wraps a non-negative *big.Int. The passed-in value is copied.
func NewAmount(v *big.Int) (Amount, error) {
	if v == nil {
		return Amount{}, fmt.Errorf("amount: nil value")
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount: negative value %s", v.String())
	}
	return Amount{v: new(big.Int).Set(v)}, nil
}

// AmountFromUint64 builds an Amount from a uint64.
func AmountFromUint64(v uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(v)}
}

// ParseAmount parses a base-10 decimal string into an Amount.
func ParseAmount(s string) (Amount, error) {
	if s == "" {
		return Amount{}, fmt.Errorf("amount: empty string")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount: invalid decimal string %q", s)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount: negative value %q", s)
	}
	return Amount{v: v}, nil
}

// Int returns a copy of the underlying *big.Int.
func (a Amount) Int() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.v)
}

// String returns the base-10 decimal representation.
func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

// Cmp compares a and b as big.Int.Cmp does: -1, 0, or 1.
func (a Amount) Cmp(b Amount) int {
	return a.Int().Cmp(b.Int())
}

// Add returns a + b as a new Amount.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.Int(), b.Int())}
}

// Sub returns a - b as a new Amount. Callers must ensure a >= b; use
// SubChecked when the subtraction might underflow.
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.Int(), b.Int())}
}

// SubChecked returns a - b, and ok=false if the result would be negative.
func (a Amount) SubChecked(b Amount) (Amount, bool) {
	r := new(big.Int).Sub(a.Int(), b.Int())
	if r.Sign() < 0 {
		return Amount{}, false
	}
	return Amount{v: r}, true
}

// MarshalJSON encodes the amount as a decimal string, e.g. "1000000".
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a decimal string (or, leniently, a JSON number) into
// an Amount. Negative values are rejected.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParseAmount(s)
		if perr != nil {
			return perr
		}
		*a = parsed
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("amount: expected decimal string, got %s", string(data))
	}
	parsed, perr := ParseAmount(num.String())
	if perr != nil {
		return perr
	}
	*a = parsed
	return nil
}
