package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

var ErrInvalidAmount = errors.New("escrow: amount must be a non-negative integer string")

// Amount is an arbitrary-precision non-negative integer in the asset's
// smallest unit. It is always carried as a decimal string on the wire.
type Amount struct {
	v *big.Int
}

// ParseAmount parses a decimal integer string.
func ParseAmount(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{v: v}, nil
}

// MustAmount is ParseAmount for literals.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromBig copies v into an Amount.
func AmountFromBig(v *big.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(v)}
}

// Big returns a copy of the value. A zero Amount yields 0.
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// Equal compares by value.
func (a Amount) Equal(b Amount) bool {
	return a.Big().Cmp(b.Big()) == 0
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts only quoted decimal strings so floats never reach the ledger.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: expected a string", ErrInvalidAmount)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Funds is an amount of one asset unit. An empty Unit is the chain's native coin.
type Funds struct {
	Unit   string `json:"unit"`
	Amount Amount `json:"amount"`
}

// FundsEqual compares two fund lists entry by entry, in order.
func FundsEqual(a, b []Funds) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Unit != b[i].Unit || !a[i].Amount.Equal(b[i].Amount) {
			return false
		}
	}
	return true
}

func cloneFunds(in []Funds) []Funds {
	if in == nil {
		return nil
	}
	out := make([]Funds, len(in))
	for i, f := range in {
		out[i] = Funds{Unit: f.Unit, Amount: AmountFromBig(f.Amount.v)}
	}
	return out
}
