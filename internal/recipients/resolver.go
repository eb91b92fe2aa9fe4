package recipients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// ErrNoValidRecipients indicates the resolved recipient set is empty.
var ErrNoValidRecipients = errors.New("no valid recipients")

// phoneHeaderNames are the accepted CSV header names for the phone column,
// compared case-insensitively.
var phoneHeaderNames = map[string]bool{
	"phone":        true,
	"phone_number": true,
	"phonenumber":  true,
	"mobile":       true,
	"msisdn":       true,
	"number":       true,
}

// GroupDirectory resolves a contact-group reference to its member numbers.
// Contact and group management itself lives outside the dispatch engine.
type GroupDirectory interface {
	ResolveGroupRecipients(ctx context.Context, userID, groupID uuid.UUID) ([]string, error)
}

// Resolver turns a Recipients value into a deduplicated list of phone numbers
// in international form.
type Resolver struct {
	groups             GroupDirectory
	defaultCountryCode string
	logger             *slog.Logger
}

// NewResolver creates a Resolver. defaultCountryCode (digits only, e.g. "36")
// is applied to local-format numbers.
func NewResolver(groups GroupDirectory, defaultCountryCode string, logger *slog.Logger) *Resolver {
	return &Resolver{
		groups:             groups,
		defaultCountryCode: strings.TrimPrefix(defaultCountryCode, "+"),
		logger:             logger.With("component", "recipient_resolver"),
	}
}

// Resolve expands the recipient source, normalizes every number and removes
// duplicates preserving first-seen order. Returns ErrNoValidRecipients when
// nothing valid remains.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID, in Recipients) ([]string, error) {
	var raw []string

	switch {
	case in.groupID != nil:
		members, err := r.groups.ResolveGroupRecipients(ctx, userID, *in.groupID)
		if err != nil {
			return nil, fmt.Errorf("resolving group %s: %w", in.groupID, err)
		}
		raw = members
	case len(in.csvRows) > 0:
		raw = r.extractCSVNumbers(in.csvRows)
	default:
		for _, entry := range in.explicit {
			raw = append(raw, strings.Split(entry, ",")...)
		}
	}

	seen := make(map[string]bool, len(raw))
	resolved := make([]string, 0, len(raw))
	dropped := 0
	for _, candidate := range raw {
		normalized, ok := Normalize(candidate, r.defaultCountryCode)
		if !ok {
			dropped++
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		resolved = append(resolved, normalized)
	}

	if dropped > 0 {
		r.logger.WarnContext(ctx, "Dropped invalid recipient numbers", "user_id", userID, "dropped", dropped, "kept", len(resolved))
	}
	if len(resolved) == 0 {
		return nil, ErrNoValidRecipients
	}
	return resolved, nil
}

// extractCSVNumbers picks the phone column. If the first row carries a known
// header name that column is used and the header row skipped; otherwise the
// first column of every row is taken.
func (r *Resolver) extractCSVNumbers(rows [][]string) []string {
	phoneCol := 0
	start := 0
	if len(rows) > 0 {
		for i, cell := range rows[0] {
			if phoneHeaderNames[strings.ToLower(strings.TrimSpace(cell))] {
				phoneCol = i
				start = 1
				break
			}
		}
	}

	var numbers []string
	for _, row := range rows[start:] {
		if phoneCol < len(row) {
			numbers = append(numbers, row[phoneCol])
		}
	}
	return numbers
}

// Normalize rewrites a raw phone number to international form ("+<cc><digits>").
// Local-format numbers (leading single zero) get the default country code;
// "00" prefixes become "+". Returns false when the number is not plausible.
func Normalize(raw, defaultCountryCode string) (string, bool) {
	var b strings.Builder
	for i, ch := range strings.TrimSpace(raw) {
		switch {
		case ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '+' && i == 0:
			b.WriteRune(ch)
		case ch == ' ' || ch == '-' || ch == '(' || ch == ')' || ch == '.':
			// separators are ignored
		default:
			return "", false
		}
	}
	cleaned := b.String()

	var digits string
	switch {
	case strings.HasPrefix(cleaned, "+"):
		digits = cleaned[1:]
	case strings.HasPrefix(cleaned, "00"):
		digits = cleaned[2:]
	case strings.HasPrefix(cleaned, "0"):
		digits = defaultCountryCode + cleaned[1:]
	case cleaned != "":
		digits = cleaned
	default:
		return "", false
	}

	if len(digits) < 8 || len(digits) > 15 {
		return "", false
	}
	return "+" + digits, true
}

// IsInternational reports whether a normalized number lies outside the default
// country code.
func IsInternational(normalized, defaultCountryCode string) bool {
	return !strings.HasPrefix(normalized, "+"+strings.TrimPrefix(defaultCountryCode, "+"))
}

// AnyInternational reports whether any number in the list is international.
func AnyInternational(numbers []string, defaultCountryCode string) bool {
	for _, n := range numbers {
		if IsInternational(n, defaultCountryCode) {
			return true
		}
	}
	return false
}
