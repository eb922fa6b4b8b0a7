package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"silenceScope/internal/aggregate"
	"silenceScope/internal/model"
)

// Decimals carries the display precision of both tokens.
type Decimals struct {
	Silence int32
	USDT    int32
}

var csvHeader = []string{"recipient", "silence_amount", "usdt_amount", "count"}

// WriteCSV writes one record per row with exact display amounts.
func WriteCSV(w io.Writer, rows []model.AggregatedData, decimals Decimals) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Recipient,
			aggregate.FormatAmount(row.SilenceRaw, decimals.Silence),
			aggregate.FormatAmount(row.USDTRaw, decimals.USDT),
			strconv.Itoa(row.Count),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row %s: %w", row.Recipient, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTable renders a ranked, human-readable leaderboard.
func WriteTable(w io.Writer, rows []model.AggregatedData, decimals Decimals) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tRECIPIENT\tSILENCE\tUSDT\tCOUNT\t")
	for i, row := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t\n",
			i+1,
			ShortAddress(row.Recipient),
			aggregate.FormatAmount(row.SilenceRaw, decimals.Silence),
			aggregate.FormatAmount(row.USDTRaw, decimals.USDT),
			row.Count,
		)
	}
	return tw.Flush()
}

// ShortAddress abbreviates a 0x address as 0x1234…abcd.
func ShortAddress(addr string) string {
	if len(addr) < 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
