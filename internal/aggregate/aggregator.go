package aggregate

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"silenceScope/internal/model"
)

const (
	DefaultDecimals = 18
	dateLayout      = "2006-01-02"
)

// View selects which events feed the per-recipient rollup.
type View string

const (
	ViewAll   View = "ALL"
	ViewToday View = "TODAY"
)

// ParseView accepts all/today in any case.
func ParseView(value string) (View, error) {
	switch View(strings.ToUpper(strings.TrimSpace(value))) {
	case "", ViewAll:
		return ViewAll, nil
	case ViewToday:
		return ViewToday, nil
	default:
		return "", fmt.Errorf("invalid view: %s", value)
	}
}

// SortKey orders leaderboard rows.
type SortKey string

const (
	SortSilence SortKey = "silence"
	SortUSDT    SortKey = "usdt"
	SortCount   SortKey = "count"
)

func ParseSortKey(value string) (SortKey, error) {
	switch SortKey(strings.ToLower(strings.TrimSpace(value))) {
	case "", SortSilence:
		return SortSilence, nil
	case SortUSDT:
		return SortUSDT, nil
	case SortCount:
		return SortCount, nil
	default:
		return "", fmt.Errorf("invalid sort key: %s", value)
	}
}

// Options controls a recompute. Thresholds are in silence display units.
type Options struct {
	StatThreshold    float64
	DisplayThreshold float64
	View             View
	SilenceDecimals  int32
	USDTDecimals     int32
	// Now and Location define "today"; zero values mean time.Now and time.Local.
	Now      time.Time
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.View == "" {
		o.View = ViewAll
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Summary is one recompute result.
type Summary struct {
	View       View
	Recipients []model.AggregatedData
	Daily      []model.DailyData
	// EventCount and WalletCount cover the selected view, before the display filter.
	EventCount      int
	WalletCount     int
	ActiveWallets   int
	TotalSilence    float64
	TotalUSDT       float64
	TotalSilenceRaw string
	TotalUSDTRaw    string
	ComputedAt      time.Time
}

// Compute aggregates events. Amounts are summed as integers and converted to
// float64 only in the returned rows.
func Compute(events []model.LogEvent, opts Options) (Summary, error) {
	opts = opts.withDefaults()
	statMin := decimal.NewFromFloat(opts.StatThreshold)
	displayMin := decimal.NewFromFloat(opts.DisplayThreshold)

	var dayStart, dayEnd int64
	if opts.View == ViewToday {
		local := opts.Now.In(opts.Location)
		start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, opts.Location)
		dayStart = start.UnixMilli()
		dayEnd = start.AddDate(0, 0, 1).UnixMilli()
	}

	accumulators := make(map[string]*Accumulator)
	daily := make(map[string]*big.Int)
	eventCount := 0

	for _, event := range events {
		silence, err := parseBigInt(event.SilenceAmount)
		if err != nil {
			return Summary{}, fmt.Errorf("event %s silence amount: %w", event.UniqueID, err)
		}
		day := time.UnixMilli(event.Timestamp).UTC().Format(dateLayout)
		bucket, ok := daily[day]
		if !ok {
			bucket = new(big.Int)
			daily[day] = bucket
		}
		bucket.Add(bucket, silence)

		if opts.View == ViewToday && (event.Timestamp < dayStart || event.Timestamp >= dayEnd) {
			continue
		}

		acc, ok := accumulators[event.Recipient]
		if !ok {
			acc = NewAccumulator(event.Recipient)
			accumulators[event.Recipient] = acc
		}
		if err := acc.AddEvent(event); err != nil {
			return Summary{}, err
		}
		eventCount++
	}

	totalSilence := new(big.Int)
	totalUSDT := new(big.Int)
	active := 0
	rows := make([]model.AggregatedData, 0, len(accumulators))
	for _, acc := range accumulators {
		totalSilence.Add(totalSilence, acc.Silence)
		totalUSDT.Add(totalUSDT, acc.USDT)

		silence := DisplayAmount(acc.Silence, opts.SilenceDecimals)
		if silence.GreaterThanOrEqual(statMin) {
			active++
		}
		if silence.LessThan(displayMin) {
			continue
		}
		rows = append(rows, model.AggregatedData{
			Recipient:     acc.Recipient,
			SilenceAmount: silence.InexactFloat64(),
			USDTAmount:    toFloat(acc.USDT, opts.USDTDecimals),
			SilenceRaw:    acc.Silence.String(),
			USDTRaw:       acc.USDT.String(),
			Count:         acc.Count,
		})
	}
	SortRecipients(rows, SortSilence)

	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Strings(days)
	series := make([]model.DailyData, 0, len(days))
	for _, day := range days {
		series = append(series, model.DailyData{
			Date:   day,
			Amount: toFloat(daily[day], opts.SilenceDecimals),
		})
	}

	return Summary{
		View:            opts.View,
		Recipients:      rows,
		Daily:           series,
		EventCount:      eventCount,
		WalletCount:     len(accumulators),
		ActiveWallets:   active,
		TotalSilence:    toFloat(totalSilence, opts.SilenceDecimals),
		TotalUSDT:       toFloat(totalUSDT, opts.USDTDecimals),
		TotalSilenceRaw: totalSilence.String(),
		TotalUSDTRaw:    totalUSDT.String(),
		ComputedAt:      opts.Now,
	}, nil
}

// SortRecipients orders rows descending by key; ties go by recipient.
func SortRecipients(rows []model.AggregatedData, key SortKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		var c int
		switch key {
		case SortUSDT:
			c = compareRaw(rows[i].USDTRaw, rows[j].USDTRaw)
		case SortCount:
			c = compareInt(rows[i].Count, rows[j].Count)
		default:
			c = compareRaw(rows[i].SilenceRaw, rows[j].SilenceRaw)
		}
		if c != 0 {
			return c > 0
		}
		return rows[i].Recipient < rows[j].Recipient
	})
}

func compareRaw(a, b string) int {
	x, errX := parseBigInt(a)
	y, errY := parseBigInt(b)
	if errX != nil || errY != nil {
		return strings.Compare(a, b)
	}
	return x.Cmp(y)
}

func compareInt(a, b int) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
