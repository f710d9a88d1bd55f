package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidRecord = errors.New("invalid record")

// Money is one monetary attribute stored as a NOK/EUR column pair.
// Either both amounts are set or neither is.
type Money struct {
	NOK decimal.NullDecimal
	EUR decimal.NullDecimal
}

// NewMoney pairs two amounts. When only one side is present the pair is
// returned empty and ok is false.
func NewMoney(nok, eur decimal.NullDecimal) (m Money, ok bool) {
	if nok.Valid != eur.Valid {
		return Money{}, false
	}
	return Money{NOK: nok, EUR: eur}, true
}

func (m Money) Valid() bool { return m.NOK.Valid && m.EUR.Valid }

func (m Money) Paired() bool { return m.NOK.Valid == m.EUR.Valid }

func (m Money) String() string {
	if !m.Valid() {
		return "null"
	}
	return fmt.Sprintf("%s NOK / %s EUR", m.NOK.Decimal.String(), m.EUR.Decimal.String())
}

func checkPairs(entity EntityType, key string, pairs map[string]Money) error {
	for name, m := range pairs {
		if !m.Paired() {
			return fmt.Errorf("%w: %s %s: %s_nok and %s_eur must both be set or both be null", ErrInvalidRecord, entity, key, name, name)
		}
	}
	return nil
}

func missing(entity EntityType, key, field string) error {
	return fmt.Errorf("%w: %s %s: missing %s", ErrInvalidRecord, entity, key, field)
}
