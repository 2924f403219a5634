package convo

import "strings"

// abbreviations lists dotted tokens that do not end a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"rev": true, "jr": true, "sr": true, "st": true, "ave": true,
	"blvd": true, "vs": true, "etc": true, "no": true, "inc": true,
	"ltd": true, "co": true, "dept": true, "approx": true, "est": true,
}

// nextBoundary returns the index of the first sentence-terminating '.', '!',
// or '?' in s, or -1 when none is complete yet. A terminator only counts when
// the next byte is whitespace, and a period is ignored after a bare number, a
// single initial, or a common abbreviation ("Dr.", "No.", "e.g.").
func nextBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		c := s[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		switch s[i+1] {
		case ' ', '\n', '\r', '\t':
		default:
			continue
		}
		if c == '.' && periodIsAbbrev(s, i) {
			continue
		}
		return i
	}
	return -1
}

// periodIsAbbrev reports whether the period at s[i] terminates an
// abbreviation, initial, or number rather than a sentence.
func periodIsAbbrev(s string, i int) bool {
	start := i
	for start > 0 && isWordByte(s[start-1]) {
		start--
	}
	word := s[start:i]
	if word == "" {
		return false
	}
	if len(word) == 1 && isLetter(word[0]) {
		return true
	}
	digits := true
	for j := 0; j < len(word); j++ {
		if word[j] < '0' || word[j] > '9' {
			digits = false
			break
		}
	}
	if digits {
		return true
	}
	return abbreviations[strings.ToLower(word)]
}

func isWordByte(b byte) bool {
	return isLetter(b) || (b >= '0' && b <= '9')
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
