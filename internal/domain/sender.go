package domain

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used to interpret numbers without a country prefix.
const DefaultRegion = "US"

// CanonicalSender returns the E.164 form of raw so that one handset always maps
// to one partition key. Numbers that do not parse are returned trimmed but
// otherwise untouched (short codes, alphanumeric sender ids).
func CanonicalSender(raw, region string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if region == "" {
		region = DefaultRegion
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return raw
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}
