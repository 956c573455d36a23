package dlp

import (
	"encoding/base64"
	"strings"
)

// ValidatorKind names the secondary check run against a regex match
// before it is reported. Kinds are a closed set dispatched by switch so
// pattern records stay plain data.
type ValidatorKind int

const (
	ValidatorNone ValidatorKind = iota
	ValidatorLuhn
	ValidatorSSNRange
	ValidatorABARouting
	ValidatorJWTShape
)

// validate applies the named validator to a matched substring.
func validate(kind ValidatorKind, match string) bool {
	switch kind {
	case ValidatorNone:
		return true
	case ValidatorLuhn:
		return luhnValid(stripSeparators(match))
	case ValidatorSSNRange:
		return ssnValid(match)
	case ValidatorABARouting:
		return abaRoutingValid(stripSeparators(match))
	case ValidatorJWTShape:
		return jwtShapeValid(match)
	default:
		return false
	}
}

// stripSeparators removes spaces and dashes from formatted numbers.
func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, s)
}

// luhnValid reports whether digits pass the Luhn checksum. Payment card
// numbers are 13-19 digits.
func luhnValid(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ssnValid rejects structurally impossible Social Security Numbers:
// area 000, 666, or 900-999, group 00, serial 0000, and the well-known
// advertising placeholder 078-05-1120.
func ssnValid(match string) bool {
	digits := stripSeparators(match)
	if len(digits) != 9 {
		return false
	}
	area := digits[0:3]
	group := digits[3:5]
	serial := digits[5:9]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if group == "00" || serial == "0000" {
		return false
	}
	if digits == "078051120" || digits == "219099999" {
		return false
	}
	return true
}

// abaRoutingValid applies the ABA routing number checksum
// (3,7,1 weights over nine digits).
func abaRoutingValid(digits string) bool {
	if len(digits) != 9 {
		return false
	}
	weights := [9]int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	sum := 0
	for i := 0; i < 9; i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		sum += int(c-'0') * weights[i]
	}
	return sum != 0 && sum%10 == 0
}

// jwtShapeValid checks that a candidate token has three base64url
// segments and that the header segment decodes to a JSON object.
func jwtShapeValid(match string) bool {
	parts := strings.Split(match, ".")
	if len(parts) != 3 {
		return false
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	return len(header) > 0 && header[0] == '{'
}
