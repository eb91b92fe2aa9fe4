// Package pricing computes the cost of a send. It is pure and deterministic:
// the same body and recipient count produce the same amount whether evaluated
// at schedule time or at dispatch time.
package pricing

import "github.com/shopspring/decimal"

const (
	// SegmentLengthGSM is the per-segment character budget for bodies within
	// the GSM 03.38 default alphabet.
	SegmentLengthGSM = 160
	// SegmentLengthUCS2 is the per-segment character budget once any
	// character forces UCS-2 encoding.
	SegmentLengthUCS2 = 70
)

// gsmAlphabet holds the GSM 03.38 default alphabet plus its extension table.
var gsmAlphabet = func() map[rune]bool {
	const chars = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
		"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà" +
		"\f^{}\\[~]|€"
	set := make(map[rune]bool, len(chars))
	for _, r := range chars {
		set[r] = true
	}
	return set
}()

// Tariffs are the per-segment prices applied per recipient.
type Tariffs struct {
	DomesticPerSegment      decimal.Decimal
	InternationalPerSegment decimal.Decimal
}

// Calculator prices message dispatches against a fixed tariff table.
type Calculator struct {
	tariffs Tariffs
}

// NewCalculator creates a Calculator with the given tariffs.
func NewCalculator(tariffs Tariffs) Calculator {
	return Calculator{tariffs: tariffs}
}

// IsGSMCompatible reports whether the body fits the GSM default alphabet.
func IsGSMCompatible(body string) bool {
	for _, r := range body {
		if !gsmAlphabet[r] {
			return false
		}
	}
	return true
}

// Segments returns the number of billing segments for a body. An empty body
// still occupies one segment.
func Segments(body string) int {
	segmentLength := SegmentLengthGSM
	if !IsGSMCompatible(body) {
		segmentLength = SegmentLengthUCS2
	}

	runes := len([]rune(body))
	if runes == 0 {
		return 1
	}
	return (runes + segmentLength - 1) / segmentLength
}

// PerSegment returns the tariff applied to one segment for one recipient.
func (c Calculator) PerSegment(international bool) decimal.Decimal {
	if international {
		return c.tariffs.InternationalPerSegment
	}
	return c.tariffs.DomesticPerSegment
}

// Cost returns segments(body) * recipientCount * tariff.
func (c Calculator) Cost(recipientCount int, body string, international bool) decimal.Decimal {
	segments := decimal.NewFromInt(int64(Segments(body)))
	recipientsDec := decimal.NewFromInt(int64(recipientCount))
	return c.PerSegment(international).Mul(segments).Mul(recipientsDec)
}
