package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// Address is a normalized street address.
type Address struct {
	Raw    string
	Number string
	Street string
	Unit   string
	Zip    string
	// Key identifies the premises (number, street and unit) independent of formatting.
	Key string
}

// Line returns the normalized single-line form.
func (a Address) Line() string {
	parts := make([]string, 0, 4)
	if a.Number != "" {
		parts = append(parts, a.Number)
	}
	if a.Street != "" {
		parts = append(parts, a.Street)
	}
	if a.Unit != "" {
		parts = append(parts, "UNIT "+a.Unit)
	}
	return strings.Join(parts, " ")
}

var zipPattern = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)

var streetSuffixes = map[string]string{
	"ST":   "STREET",
	"AVE":  "AVENUE",
	"AV":   "AVENUE",
	"BLVD": "BOULEVARD",
	"RD":   "ROAD",
	"DR":   "DRIVE",
	"LN":   "LANE",
	"CT":   "COURT",
	"PL":   "PLACE",
	"TER":  "TERRACE",
	"HWY":  "HIGHWAY",
	"PKWY": "PARKWAY",
}

var directions = map[string]string{
	"N":  "NORTH",
	"S":  "SOUTH",
	"E":  "EAST",
	"W":  "WEST",
	"NE": "NORTHEAST",
	"NW": "NORTHWEST",
	"SE": "SOUTHEAST",
	"SW": "SOUTHWEST",
}

var unitMarkers = map[string]bool{"STE": true, "SUITE": true, "APT": true, "UNIT": true, "#": true}

// NormalizeAddress parses free text such as "100 Main St., Ste 5, San Francisco CA 94103".
// Everything after the first comma other than a zip code is ignored.
func NormalizeAddress(raw string) Address {
	addr := Address{Raw: raw}
	upper := strings.ToUpper(strings.TrimSpace(raw))
	if upper == "" {
		return addr
	}

	if m := zipPattern.FindAllStringSubmatch(upper, -1); len(m) > 0 {
		addr.Zip = m[len(m)-1][1]
	}

	line := upper
	if i := strings.Index(line, ","); i >= 0 {
		rest := line[i+1:]
		line = line[:i]
		// "100 Main St, Ste 5" keeps its unit
		if fields := strings.Fields(stripPunct(rest)); len(fields) > 1 && unitMarkers[fields[0]] {
			line += " " + strings.Join(fields[:2], " ")
		}
	}
	line = strings.ReplaceAll(line, "#", " # ")
	tokens := strings.Fields(stripPunct(line))
	if len(tokens) > 0 && addr.Zip != "" && tokens[len(tokens)-1] == addr.Zip {
		tokens = tokens[:len(tokens)-1]
	}

	street := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case i == 0 && startsWithDigit(tok):
			addr.Number = tok
		case unitMarkers[tok]:
			if i+1 < len(tokens) {
				addr.Unit = tokens[i+1]
			}
			i = len(tokens)
		default:
			street = append(street, tok)
		}
	}

	// drop trailing city/state text that follows the street suffix
	for i := 1; i < len(street); i++ {
		if _, ok := streetSuffixes[street[i]]; ok || isFullSuffix(street[i]) {
			street = street[:i+1]
			break
		}
	}
	for i, tok := range street {
		if full, ok := directions[tok]; ok && (i == 0 || i == len(street)-1) && len(street) > 1 {
			street[i] = full
		}
	}
	if n := len(street); n > 1 {
		if full, ok := streetSuffixes[street[n-1]]; ok {
			street[n-1] = full
		}
	}
	addr.Street = strings.Join(street, " ")

	if addr.Number != "" || addr.Street != "" {
		sum := sha1.Sum([]byte(addr.Number + "|" + addr.Street + "|" + addr.Unit))
		addr.Key = hex.EncodeToString(sum[:8])
	}
	return addr
}

func stripPunct(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '#' || r == '&' {
			return r
		}
		if r == '-' || r == '/' {
			return ' '
		}
		return -1
	}, s)
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func isFullSuffix(tok string) bool {
	for _, full := range streetSuffixes {
		if tok == full {
			return true
		}
	}
	return false
}
