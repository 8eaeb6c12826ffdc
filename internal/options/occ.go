package options

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

// OCCSymbol formats the strict 21-character OCC option symbol:
// root padded to 6, YYMMDD expiry, C/P, strike x 1000 as 8 digits.
func OCCSymbol(root string, expiry time.Time, optType types.OptionType, strike decimal.Decimal) (string, error) {
	if root == "" || len(root) > 6 {
		return "", fmt.Errorf("occ root %q must be 1-6 characters", root)
	}
	cp := "C"
	if optType == types.OptionPut {
		cp = "P"
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	if milli < 0 || milli > 99999999 {
		return "", fmt.Errorf("strike %s out of OCC range", strike)
	}
	return fmt.Sprintf("%-6s%s%s%08d", root, expiry.UTC().Format("060102"), cp, milli), nil
}

// ParseOCCSymbol decodes a 21-character OCC symbol.
func ParseOCCSymbol(sym string) (root string, expiry time.Time, optType types.OptionType, strike decimal.Decimal, err error) {
	if len(sym) != 21 {
		err = fmt.Errorf("occ symbol %q must be 21 characters", sym)
		return
	}
	root = strings.TrimRight(sym[:6], " ")
	expiry, err = time.Parse("060102", sym[6:12])
	if err != nil {
		err = fmt.Errorf("occ symbol %q: bad expiry: %w", sym, err)
		return
	}
	switch sym[12] {
	case 'C':
		optType = types.OptionCall
	case 'P':
		optType = types.OptionPut
	default:
		err = fmt.Errorf("occ symbol %q: bad type byte %q", sym, sym[12])
		return
	}
	milli, perr := strconv.ParseInt(sym[13:], 10, 64)
	if perr != nil {
		err = fmt.Errorf("occ symbol %q: bad strike: %w", sym, perr)
		return
	}
	strike = decimal.NewFromInt(milli).Div(decimal.NewFromInt(1000))
	return
}
