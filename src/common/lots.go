package common

import (
	"arena/src/config"
	"time"
)

// LotResolver maps a timestamp to the active pricing lot. Outside every
// configured range it falls back to the earliest lot, so pre-sale browsing
// never errors; misconfiguration is rejected at startup, not here.
type LotResolver struct {
	table *config.LotTable
}

func NewLotResolver(table *config.LotTable) *LotResolver {
	return &LotResolver{table: table}
}

func (r *LotResolver) Resolve(now time.Time) config.Lot {
	for _, lot := range r.table.Lots {
		if !now.Before(lot.Starts) && !now.After(lot.Ends) {
			return lot
		}
	}
	return r.table.Lots[0]
}

func (r *LotResolver) Table() *config.LotTable {
	return r.table
}
