package model

// AggregatedData is the per-recipient rollup shown on the leaderboard.
type AggregatedData struct {
	Recipient     string  `json:"recipient"`
	SilenceAmount float64 `json:"silence_amount"`
	USDTAmount    float64 `json:"usdt_amount"`
	SilenceRaw    string  `json:"silence_raw"`
	USDTRaw       string  `json:"usdt_raw"`
	Count         int     `json:"count"`
}

// DailyData is the primary-token volume for one UTC day.
type DailyData struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}
