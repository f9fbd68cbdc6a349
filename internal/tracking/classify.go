package tracking

import (
	"regexp"
	"strings"

	"eventmail/internal/types"
)

// hardClassifications are SendGrid bounce_classification values that mean
// the address will never accept mail.
var hardClassifications = map[string]struct{}{
	"invalid address": {},
	"hard":            {},
}

var permanentFailure = regexp.MustCompile(`(?i)(no such user|user unknown|unknown user|does not exist|invalid|domain not found|no such domain|host not found|unrouteable|mailbox not found|recipient rejected|address rejected|account (has been )?disabled|\b5\.1\.[0-9]+\b)`)

// ClassifyBounce returns hard when the provider classification says so or
// the reason text matches a permanent failure pattern, otherwise soft.
func ClassifyBounce(classification, kind, reason string) types.BounceType {
	if _, ok := hardClassifications[strings.ToLower(strings.TrimSpace(classification))]; ok {
		return types.BounceHard
	}
	if strings.EqualFold(kind, "hard") {
		return types.BounceHard
	}
	if permanentFailure.MatchString(reason) {
		return types.BounceHard
	}
	return types.BounceSoft
}
