package aggregate

import (
	"fmt"
	"math/big"

	"silenceScope/internal/model"
)

// Accumulator holds exact running totals for one recipient.
type Accumulator struct {
	Recipient string
	Count     int
	Silence   *big.Int
	USDT      *big.Int
}

func NewAccumulator(recipient string) *Accumulator {
	return &Accumulator{
		Recipient: recipient,
		Silence:   big.NewInt(0),
		USDT:      big.NewInt(0),
	}
}

func (a *Accumulator) AddEvent(event model.LogEvent) error {
	silence, err := parseBigInt(event.SilenceAmount)
	if err != nil {
		return fmt.Errorf("event %s silence amount: %w", event.UniqueID, err)
	}
	usdt, err := parseBigInt(event.USDTAmount)
	if err != nil {
		return fmt.Errorf("event %s usdt amount: %w", event.UniqueID, err)
	}

	a.Silence.Add(a.Silence, silence)
	a.USDT.Add(a.USDT, usdt)
	a.Count++
	return nil
}

func parseBigInt(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid int: %s", value)
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", value)
	}
	return parsed, nil
}
