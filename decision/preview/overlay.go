package preview

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Overlay holds the manual discount and markup percentages. Raw text is kept
// as typed; a value that does not parse is treated as unset, never as zero.
type Overlay struct {
	discountRaw string
	markupRaw   string
}

// SetDiscount stores raw input and reports whether the parsed value changed.
func (o *Overlay) SetDiscount(raw string) bool {
	before := parsePct(o.discountRaw)
	o.discountRaw = raw
	return !samePct(before, parsePct(raw))
}

// SetMarkup stores raw input and reports whether the parsed value changed.
func (o *Overlay) SetMarkup(raw string) bool {
	before := parsePct(o.markupRaw)
	o.markupRaw = raw
	return !samePct(before, parsePct(raw))
}

func (o *Overlay) Discount() *decimal.Decimal { return parsePct(o.discountRaw) }
func (o *Overlay) Markup() *decimal.Decimal { return parsePct(o.markupRaw) }

// Raw returns the text as typed, for redisplay.
func (o *Overlay) Raw() (discount, markup string) {
	return o.discountRaw, o.markupRaw
}

func (o *Overlay) Clear() {
	o.discountRaw = ""
	o.markupRaw = ""
}

// parsePct accepts "10", " 12.5 ", "7%". Blank or malformed input yields nil.
func parsePct(raw string) *decimal.Decimal {
	s := strings.TrimSpace(raw)
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func samePct(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
