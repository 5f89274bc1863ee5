package model

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// ErrInvalidPrice is returned when a price fails basic validation.
var ErrInvalidPrice = eris.New("invalid price")

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// Money is a currency-tagged decimal amount. There is no implicit currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney builds a Money value, upper-casing the currency code.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

// Validate enforces a positive amount and a present ISO-4217 currency.
func (m Money) Validate() error {
	if !m.Amount.IsPositive() {
		return eris.Wrapf(ErrInvalidPrice, "amount %s is not positive", m.Amount.String())
	}
	if m.Currency == "" {
		return eris.Wrap(ErrInvalidPrice, "currency is required")
	}
	if !currencyRe.MatchString(m.Currency) {
		return eris.Wrapf(ErrInvalidPrice, "currency %q is not an ISO-4217 code", m.Currency)
	}
	return nil
}

func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}
