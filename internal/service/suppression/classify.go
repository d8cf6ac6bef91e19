package suppression

import "regexp"

// BounceClass is the coarse classification of a bounce or rejection reason.
type BounceClass string

const (
	HardBounce BounceClass = "hard_bounce"
	SoftBounce BounceClass = "soft_bounce"
)

// hardBouncePattern matches permanent recipient rejections, including the
// RFC 5321 enhanced status 5.1.1 (bad destination mailbox).
var hardBouncePattern = regexp.MustCompile(`(?i)(mailbox (is )?unavailable|user unknown|unknown user|invalid (recipient|mailbox)|no such (user|mailbox)|does not exist|hard[ _-]?bounce|\b5\.1\.1\b)`)

// ClassifyBounce returns HardBounce when the reason text indicates the
// address can never accept mail, SoftBounce otherwise.
func ClassifyBounce(reason string) BounceClass {
	if IsHardBounce(reason) {
		return HardBounce
	}
	return SoftBounce
}

// IsHardBounce reports whether reason matches a permanent rejection.
func IsHardBounce(reason string) bool {
	return reason != "" && hardBouncePattern.MatchString(reason)
}
