package model

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CoinKey is the normalized identifier grouping observations of the same
// collectible and grade: country|denomination|year|mint_mark|variety|grade.
type CoinKey string

// ErrInvalidCoinKey is returned when a key cannot be parsed or normalized.
var ErrInvalidCoinKey = eris.New("invalid coin key")

const (
	keySep     = "|"
	emptyPart  = "-"
	coinFields = 6
)

var (
	nonAlnumRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	proofRe    = regexp.MustCompile(`^(proof|prf|pr|pf)(\d+.*)$`)
)

// CoinSpec is the structured form of a coin key, as reported by a source.
type CoinSpec struct {
	Country      string `json:"country" yaml:"country"`
	Denomination string `json:"denomination" yaml:"denomination"`
	Year         string `json:"year" yaml:"year"`
	MintMark     string `json:"mint_mark" yaml:"mint_mark"`
	Variety      string `json:"variety" yaml:"variety"`
	Grade        string `json:"grade" yaml:"grade"`
}

// Key normalizes the spec into a CoinKey. Country, denomination and grade
// are required.
func (c CoinSpec) Key() (CoinKey, error) {
	country := normalizePart(c.Country)
	denom := normalizePart(c.Denomination)
	grade := NormalizeGrade(c.Grade)
	if country == "" || denom == "" || grade == "" {
		return "", eris.Wrapf(ErrInvalidCoinKey, "country, denomination and grade are required (got %q, %q, %q)",
			c.Country, c.Denomination, c.Grade)
	}
	parts := []string{
		country,
		denom,
		orEmpty(strings.Map(keepDigits, c.Year)),
		orEmpty(normalizePart(c.MintMark)),
		orEmpty(normalizePart(c.Variety)),
		grade,
	}
	return CoinKey(strings.Join(parts, keySep)), nil
}

// ParseCoinKey validates s as a canonical key and returns its spec.
func ParseCoinKey(s string) (CoinSpec, error) {
	parts := strings.Split(s, keySep)
	if len(parts) != coinFields {
		return CoinSpec{}, eris.Wrapf(ErrInvalidCoinKey, "%q: expected %d fields, got %d", s, coinFields, len(parts))
	}
	spec := CoinSpec{
		Country:      parts[0],
		Denomination: parts[1],
		Year:         fromEmpty(parts[2]),
		MintMark:     fromEmpty(parts[3]),
		Variety:      fromEmpty(parts[4]),
		Grade:        parts[5],
	}
	key, err := spec.Key()
	if err != nil {
		return CoinSpec{}, err
	}
	if string(key) != s {
		return CoinSpec{}, eris.Wrapf(ErrInvalidCoinKey, "%q is not canonical (want %q)", s, key)
	}
	return spec, nil
}

// NormalizeGrade canonicalizes a grade label: "MS-65", "ms 65" and "MS65"
// become "ms65"; proof prefixes (PR, PRF, Proof) collapse to "pf".
func NormalizeGrade(g string) string {
	s := strings.ReplaceAll(normalizePart(g), "-", "")
	if m := proofRe.FindStringSubmatch(s); m != nil {
		return "pf" + m[2]
	}
	return s
}

// normalizePart folds case, strips diacritics and collapses punctuation
// and whitespace runs to a single hyphen.
func normalizePart(s string) string {
	// Transformers and casers carry state, so they are built per call.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		out = s
	}
	out = cases.Fold().String(out)
	out = nonAlnumRe.ReplaceAllString(out, "-")
	return strings.Trim(out, "-")
}

func keepDigits(r rune) rune {
	if r >= '0' && r <= '9' {
		return r
	}
	return -1
}

func orEmpty(s string) string {
	if s == "" {
		return emptyPart
	}
	return s
}

func fromEmpty(s string) string {
	if s == emptyPart {
		return ""
	}
	return s
}

// CoinQuery is a watchlist entry dispatched to extractors.
type CoinQuery struct {
	Spec        CoinSpec `json:"spec" yaml:"spec"`
	Description string   `json:"description" yaml:"description"`
	ErrorCoin   bool     `json:"error_coin" yaml:"error_coin"`
}

// Key returns the normalized key for the query's spec.
func (q CoinQuery) Key() (CoinKey, error) {
	return q.Spec.Key()
}
