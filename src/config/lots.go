package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Lot is a time-boxed pricing tier. Prices are per athlete, in cents,
// keyed by category.
type Lot struct {
	ID     int              `json:"id"`
	Starts time.Time        `json:"starts"`
	Ends   time.Time        `json:"ends"`
	Prices map[string]int64 `json:"prices"`
}

// LotTable is the full pricing configuration: the ordered list of lots plus
// the per-category capacity applied to every (category, lot) pair.
type LotTable struct {
	Lots       []Lot           `json:"lots"`
	Capacities map[string]uint `json:"capacities"`
}

const defaultLotTable = `{
	"lots": [
		{
			"id": 1,
			"starts": "2026-01-05T00:00:00Z",
			"ends": "2026-02-28T23:59:59Z",
			"prices": {"rx": 18000, "intermediate": 16000, "scaled": 14000}
		},
		{
			"id": 2,
			"starts": "2026-03-01T00:00:00Z",
			"ends": "2026-04-15T23:59:59Z",
			"prices": {"rx": 21000, "intermediate": 19000, "scaled": 17000}
		},
		{
			"id": 3,
			"starts": "2026-04-16T00:00:00Z",
			"ends": "2026-05-31T23:59:59Z",
			"prices": {"rx": 24000, "intermediate": 22000, "scaled": 20000}
		}
	],
	"capacities": {"rx": 40, "intermediate": 60, "scaled": 80}
}`

// LoadLotTable reads the lot configuration from the file named by
// LOT_TABLE_FILE, from the inline LOT_TABLE env var, or falls back to the
// built-in table. Misconfiguration is an error here and fatal at startup;
// resolving a lot at request time never fails.
func LoadLotTable() (*LotTable, error) {
	raw := defaultLotTable
	if path := os.Getenv("LOT_TABLE_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading lot table %s: %w", path, err)
		}
		raw = string(b)
	} else if inline := os.Getenv("LOT_TABLE"); inline != "" {
		raw = inline
	}
	var table LotTable
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return nil, fmt.Errorf("parsing lot table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	sort.Slice(table.Lots, func(i, j int) bool {
		return table.Lots[i].Starts.Before(table.Lots[j].Starts)
	})
	return &table, nil
}

func (t *LotTable) Validate() error {
	if len(t.Lots) == 0 {
		return fmt.Errorf("lot table has no lots")
	}
	if len(t.Capacities) == 0 {
		return fmt.Errorf("lot table has no capacities")
	}
	seen := map[int]bool{}
	for _, lot := range t.Lots {
		if seen[lot.ID] {
			return fmt.Errorf("duplicate lot id %d", lot.ID)
		}
		seen[lot.ID] = true
		if !lot.Starts.Before(lot.Ends) {
			return fmt.Errorf("lot %d: starts must precede ends", lot.ID)
		}
		if len(lot.Prices) == 0 {
			return fmt.Errorf("lot %d: no prices", lot.ID)
		}
		for category := range t.Capacities {
			if _, ok := lot.Prices[category]; !ok {
				return fmt.Errorf("lot %d: missing price for category %s", lot.ID, category)
			}
		}
	}
	for i, a := range t.Lots {
		for _, b := range t.Lots[i+1:] {
			if a.Starts.Before(b.Ends) && b.Starts.Before(a.Ends) {
				return fmt.Errorf("lots %d and %d overlap", a.ID, b.ID)
			}
		}
	}
	return nil
}

// Categories returns the enumerated category set, taken from the capacity map.
func (t *LotTable) Categories() []string {
	cats := make([]string, 0, len(t.Capacities))
	for c := range t.Capacities {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

func (t *LotTable) HasCategory(category string) bool {
	_, ok := t.Capacities[category]
	return ok
}
