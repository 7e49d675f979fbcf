package recorder

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromNull maps an absent decimal to SQL NULL.
func numericFromNull(value decimal.NullDecimal) (pgtype.Numeric, error) {
	if !value.Valid {
		return pgtype.Numeric{}, nil //nolint:exhaustruct
	}
	return numericFromDecimal(value.Decimal)
}
