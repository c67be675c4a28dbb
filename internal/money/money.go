// Package money formats KES amounts for user-facing messages.
package money

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// KES renders a whole-shilling amount with thousands separators, e.g. "KES 3,000".
func KES(amount int64) string {
	return printer.Sprintf("KES %d", amount)
}

// Sprintf formats like fmt.Sprintf with locale-aware digit grouping.
func Sprintf(format string, args ...any) string {
	return printer.Sprintf(format, args...)
}
