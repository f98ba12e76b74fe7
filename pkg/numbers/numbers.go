/*
Copyright © 2025 The pipemeter Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package numbers converts human-readable size and interval strings into
// numeric values for configuration.
package numbers

// NumType is the kind of number Check validates.
type NumType int

const (
	// Integer permits digits and an optional binary unit suffix.
	Integer NumType = iota
	// Double permits digits with an optional fractional part but no suffix.
	Double
)

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// ParseSize returns the numeric value of str as a byte count.  The string is
// a sequence of digits, possibly with a fractional part, optionally followed
// by a units suffix (K/M/G/T, binary multiples of 1024).  Any non-numeric
// leading characters are skipped.  The multiplication is done with bounded
// left-shifts so large suffixed values cannot silently overflow a single
// shift operation.
func ParseSize(str string) int64 {
	var integralPart, fractionalPart int64
	fractionalDivisor := int64(1)
	pos := 0

	for pos < len(str) && !isDigit(str[pos]) {
		pos++
	}

	for ; pos < len(str) && isDigit(str[pos]); pos++ {
		integralPart = integralPart*10 + int64(str[pos]-'0')
	}

	if pos < len(str) && (str[pos] == '.' || str[pos] == ',') {
		pos++
		for ; pos < len(str) && isDigit(str[pos]); pos++ {
			// Stop counting below 0.0001.
			if fractionalDivisor < 10000 {
				fractionalPart = fractionalPart*10 + int64(str[pos]-'0')
				fractionalDivisor *= 10
			}
		}
	}

	var shift uint
	for pos < len(str) && (str[pos] == ' ' || str[pos] == '\t') {
		pos++
	}
	if pos < len(str) {
		switch str[pos] {
		case 'k', 'K':
			shift = 10
		case 'm', 'M':
			shift = 20
		case 'g', 'G':
			shift = 30
		case 't', 'T':
			shift = 40
		}
	}

	// Apply the units by shifting, never more than 30 bits at a time.
	for shift > 0 {
		shiftBy := shift
		if shiftBy > 30 {
			shiftBy = 30
		}
		integralPart <<= shiftBy
		fractionalPart <<= shiftBy
		shift -= shiftBy
	}

	return integralPart + fractionalPart/fractionalDivisor
}

// ParseInterval returns the numeric value of str as a positive decimal
// number of seconds.  No unit suffixes are accepted.
func ParseInterval(str string) float64 {
	var result float64
	step := float64(1)
	pos := 0

	for pos < len(str) && !isDigit(str[pos]) {
		pos++
	}

	for ; pos < len(str) && isDigit(str[pos]); pos++ {
		result = result*10 + float64(str[pos]-'0')
	}

	if pos >= len(str) || (str[pos] != '.' && str[pos] != ',') {
		return result
	}
	pos++

	// Parse the digits after the decimal mark, down to 0.0000001.
	for ; pos < len(str) && isDigit(str[pos]) && step < 1000000; pos++ {
		step *= 10
		result += float64(str[pos]-'0') / step
	}

	return result
}

// Check reports whether str is a valid number of the given type, for early
// command-line validation.
func Check(str string, kind NumType) bool {
	pos := 0

	for pos < len(str) && (str[pos] == ' ' || str[pos] == '\t') {
		pos++
	}

	if pos >= len(str) || !isDigit(str[pos]) {
		return false
	}
	for pos < len(str) && isDigit(str[pos]) {
		pos++
	}

	if pos < len(str) && (str[pos] == '.' || str[pos] == ',') {
		// Integers have no decimal mark.
		if kind == Integer {
			return false
		}
		pos++
		for pos < len(str) && isDigit(str[pos]) {
			pos++
		}
	}

	if pos >= len(str) {
		return true
	}

	// A units suffix is only allowed for integers.
	if kind == Double {
		return false
	}

	for pos < len(str) && (str[pos] == ' ' || str[pos] == '\t') {
		pos++
	}
	if pos >= len(str) {
		return false
	}

	switch str[pos] {
	case 'k', 'K', 'm', 'M', 'g', 'G', 't', 'T':
		pos++
	default:
		return false
	}

	return pos >= len(str)
}
