// Package distribution splits fees and reinvested revenue across value pools
package distribution

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/visionmarket/ledger/internal/config"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// RatioTable assigns percentage shares of an amount to pool categories.
// Rounding leftovers go to RemainderBucket.
type RatioTable struct {
	Name            string
	Shares          map[models.PoolCategory]decimal.Decimal
	RemainderBucket models.PoolCategory
}

// Validate requires shares that sum to exactly 100 and a remainder bucket among them
func (t RatioTable) Validate() error {
	if len(t.Shares) == 0 {
		return apperrors.Validation.Explain("ratio table %q has no shares", t.Name)
	}
	sum := decimal.Zero
	for cat, share := range t.Shares {
		if !knownCategory(cat) {
			return apperrors.Validation.Explain("ratio table %q: unknown category %q", t.Name, cat)
		}
		if share.IsNegative() {
			return apperrors.Validation.Explain("ratio table %q: negative share for %s", t.Name, cat)
		}
		sum = sum.Add(share)
	}
	if !sum.Equal(hundred) {
		return apperrors.Validation.Explain("ratio table %q shares sum to %s, want 100", t.Name, sum)
	}
	if _, ok := t.Shares[t.RemainderBucket]; !ok {
		return apperrors.Validation.Explain("ratio table %q: remainder bucket %q is not one of its categories", t.Name, t.RemainderBucket)
	}
	return nil
}

// Categories returns the table's categories in a stable order
func (t RatioTable) Categories() []models.PoolCategory {
	cats := make([]models.PoolCategory, 0, len(t.Shares))
	for c := range t.Shares {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Allocate splits amount by the table. Each bucket gets the floor of its
// share and the leftover cents are added to the remainder bucket, so the
// allocations always sum to amount.
func Allocate(amount int64, table RatioTable) (map[models.PoolCategory]int64, error) {
	if amount < 0 {
		return nil, apperrors.Validation.Explain("cannot allocate negative amount %d", amount)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	total := decimal.NewFromInt(amount)
	out := make(map[models.PoolCategory]int64, len(table.Shares))
	var allocated int64
	for _, cat := range table.Categories() {
		part := total.Mul(table.Shares[cat]).Div(hundred).Floor().IntPart()
		out[cat] = part
		allocated += part
	}
	out[table.RemainderBucket] += amount - allocated
	return out, nil
}

func knownCategory(c models.PoolCategory) bool {
	switch c {
	case models.PoolGamecard, models.PoolPalette, models.PoolOpening,
		models.PoolCompany, models.PoolPlatformOps, models.PoolCreatorRoyalty:
		return true
	}
	return false
}

// TablesFromConfig builds and validates the configured ratio tables
func TablesFromConfig(cfg map[string]config.RatioTableConfig) (map[string]RatioTable, error) {
	tables := make(map[string]RatioTable, len(cfg))
	for name, tc := range cfg {
		t := RatioTable{
			Name:            name,
			Shares:          make(map[models.PoolCategory]decimal.Decimal, len(tc.Shares)),
			RemainderBucket: models.PoolCategory(tc.Remainder),
		}
		for cat, raw := range tc.Shares {
			share, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("ratio table %s: share for %s: %w", name, cat, err)
			}
			t.Shares[models.PoolCategory(cat)] = share
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		tables[name] = t
	}
	return tables, nil
}

// MarketplaceTable is the default split of marketplace platform fees
func MarketplaceTable() RatioTable {
	return RatioTable{
		Name: "marketplace",
		Shares: map[models.PoolCategory]decimal.Decimal{
			models.PoolCompany:     decimal.NewFromInt(25),
			models.PoolGamecard:    decimal.NewFromInt(25),
			models.PoolPalette:     decimal.NewFromInt(25),
			models.PoolOpening:     decimal.NewFromInt(15),
			models.PoolPlatformOps: decimal.NewFromInt(10),
		},
		RemainderBucket: models.PoolCompany,
	}
}

// ProductTable is the default split of reinvested product profit
func ProductTable() RatioTable {
	return RatioTable{
		Name: "product",
		Shares: map[models.PoolCategory]decimal.Decimal{
			models.PoolGamecard:       decimal.NewFromInt(40),
			models.PoolPalette:        decimal.NewFromInt(35),
			models.PoolOpening:        decimal.NewFromInt(20),
			models.PoolCreatorRoyalty: decimal.NewFromInt(5),
		},
		RemainderBucket: models.PoolGamecard,
	}
}
