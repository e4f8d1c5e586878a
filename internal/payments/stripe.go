package payments

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/customer"
	"github.com/stripe/stripe-go/v74/customerbalancetransaction"
)

// StripeLedger keeps rider credit on the Stripe customer balance, where a
// negative balance is money owed to the customer. The rider's customer id
// is used as the Stripe customer id.
type StripeLedger struct {
	Currency string
}

// zeroDecimal lists the currencies Stripe takes in whole units. Every other
// supported currency, gmd included, is sent in hundredths.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// minorUnits is how many Stripe amount units make one unit of credit.
func (s *StripeLedger) minorUnits() int64 {
	if zeroDecimal[strings.ToLower(s.Currency)] {
		return 1
	}
	return 100
}

// NewStripeLedger sets the package-level API key used by stripe-go.
func NewStripeLedger(apiKey, currency string) *StripeLedger {
	stripe.Key = apiKey
	if currency == "" {
		currency = "gmd"
	}
	return &StripeLedger{Currency: currency}
}

// Available returns the credit left on the customer balance, in whole
// currency units.
func (s *StripeLedger) Available(ctx context.Context, customerID string) (int64, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := customer.Get(customerID, params)
	if err != nil {
		return 0, fmt.Errorf("stripe customer %s: %w", customerID, err)
	}
	if c.Balance >= 0 {
		return 0, nil
	}
	// a fractional remainder cannot pay for anything
	return -c.Balance / s.minorUnits(), nil
}

// Deduct consumes amount whole units of credit with a positive balance
// transaction. The ride id
// is the idempotency key so a retried settlement is applied once.
func (s *StripeLedger) Deduct(ctx context.Context, customerID, rideID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	params := &stripe.CustomerBalanceTransactionParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(amount * s.minorUnits()),
		Currency:    stripe.String(s.Currency),
		Description: stripe.String("ride credit " + rideID),
	}
	params.Context = ctx
	params.SetIdempotencyKey("credit-" + rideID)
	params.AddMetadata("ride_id", rideID)
	if _, err := customerbalancetransaction.New(params); err != nil {
		return fmt.Errorf("stripe balance transaction: %w", err)
	}
	return nil
}
