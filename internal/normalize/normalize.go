// Package normalize turns raw source records into canonical comparison keys:
// case folding, punctuation and diacritic stripping, token ordering, and
// digit-only canonicalization of phone-like fields.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Key is the canonical comparison form of a raw record. Produced
// deterministically; two raw records describing the same entity should
// produce keys that score close to 1.0 in the matcher.
type Key struct {
	ExternalID string
	Name       string
	Tokens     []string
	Fields     map[string]string
	Numbers    map[string]float64
}

// MalformedRecordError reports a record that cannot be fingerprinted because
// every identifying field is absent. Routed to a review flag upstream, never
// silently dropped.
type MalformedRecordError struct {
	RecordID string
	Missing  []string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("normalize: record %s missing required fields: %s",
		e.RecordID, strings.Join(e.Missing, ", "))
}

// IsMalformed returns true if err is a MalformedRecordError.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}

// legalSuffixes lists entity suffixes stripped from name fields before
// comparison. Longest forms are not required first since all are distinct.
var legalSuffixes = []string{
	" LLC", " L.L.C.", " L.L.C",
	" INC", " INC.", " INCORPORATED",
	" CORP", " CORP.", " CORPORATION",
	" LTD", " LTD.", " LIMITED",
	" CO", " CO.", " COMPANY",
	" LP", " L.P.", " LLP", " L.L.P.",
	" PLC", " PLLC",
	" DBA", " D/B/A",
}

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	nonDigitRe   = regexp.MustCompile(`\D`)
	nonWordRe    = regexp.MustCompile(`[^a-z0-9 ]`)
	snakeBadRe   = regexp.MustCompile(`[^a-z0-9_]`)

	// strips combining marks after NFD decomposition
	deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// nameLikeFields get token ordering applied so "Smith, Jon" and "Jon Smith"
// compare equal.
var nameLikeFields = map[string]bool{
	"name": true, "address": true, "street_address": true,
}

// digitFields are canonicalized to digits only.
var digitFields = map[string]bool{
	"phone": true, "zip": true, "postal_code": true, "ein": true, "upc": true,
}

// Record is the minimal view of a raw record the fingerprinter needs.
type Record struct {
	ID         string
	ExternalID string
	Fields     map[string]string
}

// Fingerprint normalizes a raw record into a Key. Deterministic and pure.
// Returns MalformedRecordError when both the name and the external
// identifier are absent.
func Fingerprint(rec Record) (Key, error) {
	key := Key{
		ExternalID: strings.TrimSpace(rec.ExternalID),
		Fields:     make(map[string]string, len(rec.Fields)),
		Numbers:    make(map[string]float64),
	}

	for field, value := range rec.Fields {
		field = CleanFieldName(field)
		value = strings.TrimSpace(value)
		if IsNullish(value) {
			continue
		}

		switch {
		case digitFields[field]:
			if digits := nonDigitRe.ReplaceAllString(value, ""); digits != "" {
				key.Fields[field] = digits
			}
		case nameLikeFields[field]:
			key.Fields[field] = cleanText(value, true)
		default:
			if n, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", ""), 64); err == nil {
				key.Numbers[field] = n
				continue
			}
			key.Fields[field] = cleanText(value, false)
		}
	}

	key.Name = key.Fields["name"]
	if key.Name != "" {
		key.Tokens = strings.Fields(key.Name)
	}

	if key.Name == "" && key.ExternalID == "" {
		return Key{}, &MalformedRecordError{
			RecordID: rec.ID,
			Missing:  []string{"name", "external_id"},
		}
	}

	return key, nil
}

// cleanText lowercases, removes diacritics and punctuation, strips legal
// suffixes, collapses whitespace, and optionally sorts tokens.
func cleanText(s string, sortTokens bool) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}

	if folded, _, err := transform.String(deaccent, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	s = strings.NewReplacer("&", " and ", "-", " ", "/", " ", "'", "", ".", "", ",", " ").Replace(s)
	s = nonWordRe.ReplaceAllString(s, "")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	if sortTokens {
		tokens := strings.Fields(s)
		sort.Strings(tokens)
		s = strings.Join(tokens, " ")
	}
	return s
}

// CleanFieldName converts a source column name to snake_case, matching what
// the staging loader expects downstream.
func CleanFieldName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return snakeBadRe.ReplaceAllString(name, "")
}

// IsNullish reports whether a raw value should be treated as absent.
// Source feeds encode missing values inconsistently ("", "NA", "null",
// spreadsheet NaN spillover).
func IsNullish(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "na", "n/a", "null", "none", "nan", "-":
		return true
	}
	return false
}
