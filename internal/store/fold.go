package store

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	sqlite "modernc.org/sqlite"
)

// foldFunction is the SQL name of FoldName. SQLite's lower() only maps
// ASCII, so name comparisons go through Go on both sides.
const foldFunction = "lpi_fold"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(foldFunction, 1, sqlFold)
}

// FoldName is the case-insensitive comparison key of an entity name:
// NFC, Unicode case folding, single spaces.
func FoldName(s string) string {
	if s == "" {
		return ""
	}
	s = cases.Fold().String(norm.NFC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

func sqlFold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s expects 1 argument", foldFunction)
	}
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return FoldName(v), nil
	case []byte:
		return FoldName(string(v)), nil
	default:
		return FoldName(fmt.Sprint(v)), nil
	}
}
