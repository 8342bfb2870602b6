package postgres

import (
	"strconv"
	"strings"

	"github.com/yourorg/stockfolio/internal/domain"
)

const _historyColumns = "symbol, ts, open_price, high_price, low_price, close_price, volume"

// historyQuery renders the price history select for f. Each optional filter
// field adds exactly one predicate or clause with its own placeholder.
func historyQuery(f domain.HistoryFilter) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	b.WriteString("SELECT " + _historyColumns + " FROM stock_history WHERE symbol = " + bind(f.Symbol))
	if f.From != nil {
		b.WriteString(" AND ts >= " + bind(*f.From))
	}
	if f.To != nil {
		b.WriteString(" AND ts <= " + bind(*f.To))
	}
	b.WriteString(" ORDER BY ts DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + bind(f.Limit))
	}
	if f.Offset > 0 {
		b.WriteString(" OFFSET " + bind(f.Offset))
	}
	return b.String(), args
}
