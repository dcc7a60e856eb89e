package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/transfer"

	"github.com/example/malcare/internal/prediction"
	"github.com/example/malcare/internal/wallet"
)

// TransferCreator is the subset of the Stripe transfer API used for payouts.
type TransferCreator interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

// StripeSettler pays rewards out as Stripe transfers to connected accounts.
// The wallet address must be the connected account id.
type StripeSettler struct {
	transfers TransferCreator
	currency  string
	// unitScale converts a reward into the currency's minor unit.
	unitScale float64
}

// NewStripeSettler builds a settler backed by the Stripe API.
func NewStripeSettler(apiKey, currency string, unitScale float64) (*StripeSettler, error) {
	if apiKey == "" {
		return nil, errors.New("stripe api key is empty")
	}
	client := &transfer.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	return NewStripeSettlerWithClient(client, currency, unitScale)
}

// NewStripeSettlerWithClient builds a settler on an existing transfer client.
func NewStripeSettlerWithClient(transfers TransferCreator, currency string, unitScale float64) (*StripeSettler, error) {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	if unitScale <= 0 {
		return nil, fmt.Errorf("invalid unit scale %v", unitScale)
	}
	return &StripeSettler{transfers: transfers, currency: strings.ToLower(currency), unitScale: unitScale}, nil
}

// Settle implements Settler.
func (s *StripeSettler) Settle(ctx context.Context, rec *prediction.Record, handle wallet.Handle) (string, error) {
	if !handle.Connected() {
		return "", prediction.ErrNotConnected
	}
	if !strings.HasPrefix(handle.Address, "acct_") {
		return "", fmt.Errorf("wallet address %q is not a stripe connected account", handle.FormattedAddress())
	}
	amount := int64(math.Round(rec.Reward * s.unitScale))
	if amount <= 0 {
		return "", fmt.Errorf("reward %.3f is below the minimum transfer amount", rec.Reward)
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(s.currency),
		Destination:   stripe.String(handle.Address),
		TransferGroup: stripe.String("prediction-" + strconv.FormatUint(rec.ID, 10)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("payout-" + strconv.FormatUint(rec.ID, 10))
	params.AddMetadata("prediction_id", strconv.FormatUint(rec.ID, 10))
	params.AddMetadata("image_id", rec.ImageID)

	tr, err := s.transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe transfer: %w", err)
	}
	return tr.ID, nil
}
