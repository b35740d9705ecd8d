package results

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chiehlin/factortuner/internal/modules/session"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{
	"strategy_id", "factors", "window_size", "rebalance_frequency",
	"data_period", "selection_count", "weight_method", "total_return",
	"annual_return", "sharpe_ratio", "max_drawdown", "win_rate",
	"trade_count", "start_date", "end_date",
}

// Export writes every result for the session to a file in dir and
// returns its path. File names carry a short unique suffix so repeated
// exports never clobber each other.
func (c *Collector) Export(sessionID, format, dir string) (string, error) {
	records, err := c.AllResults(sessionID)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("session %s has no results to export", sessionID)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s.%s",
		sessionID,
		time.Now().Format("20060102_150405"),
		uuid.NewString()[:8],
		format,
	)
	path := filepath.Join(dir, name)

	switch format {
	case FormatJSON:
		err = exportJSON(path, records)
	case FormatCSV:
		err = exportCSV(path, records)
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return "", err
	}

	c.log.Info().
		Str("session_id", sessionID).
		Str("path", path).
		Int("count", len(records)).
		Msg("Results exported")

	return path, nil
}

func exportJSON(path string, records interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to write JSON export: %w", err)
	}
	return nil
}

func exportCSV(path string, records []session.ResultRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.StrategyID,
			strings.Join(rec.Factors, ","),
			strconv.Itoa(rec.WindowSize),
			strconv.Itoa(rec.RebalanceFrequency),
			strconv.Itoa(rec.DataPeriod),
			strconv.Itoa(rec.SelectionCount),
			rec.WeightMethod,
			formatFloat(rec.TotalReturn),
			formatFloat(rec.AnnualReturn),
			formatFloat(rec.SharpeRatio),
			formatFloat(rec.MaxDrawdown),
			formatFloat(rec.WinRate),
			strconv.Itoa(rec.TradeCount),
			rec.StartDate,
			rec.EndDate,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV export: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
