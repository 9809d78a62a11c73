package util

import (
	"regexp"
)

const maxInstanceIDLength = 64

// Instance ids are opaque gateway identifiers. We accept anything short and
// url-safe ("7", "wa-main", "acct:42") and reject everything that could leak
// into a path or query unescaped.
var instanceIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

func IsValidInstanceID(s string) bool {
	if s == "" || len(s) > maxInstanceIDLength {
		return false
	}
	return instanceIDRegex.MatchString(s)
}

const maxChannelLength = 32

// Channel slugs are defined by the gateway, not the console; we only pin
// down the shape ("whatsapp", "kakao-work") so new channels need no console
// release.
var channelRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

func IsValidChannel(s string) bool {
	if s == "" || len(s) > maxChannelLength {
		return false
	}
	return channelRegex.MatchString(s)
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
