package storage

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"modernc.org/sqlite"
)

// The catalog queries are written for Postgres with the unaccent and
// pg_trgm extensions. SQLite gets equivalent scalar functions, and the
// two constructs it cannot parse are rewritten before execution.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("unaccent", 1, unaccentFunc)
	sqlite.MustRegisterDeterministicScalarFunction("similarity", 2, similarityFunc)
}

// Unaccent strips combining marks: "Jamón" becomes "Jamon".
func Unaccent(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Similarity is the pg_trgm trigram similarity of a and b: shared
// trigrams over distinct trigrams of both, in [0, 1].
func Similarity(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

// trigrams pads each alphanumeric word with two leading spaces and one
// trailing space, as pg_trgm does.
func trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		padded := []rune("  " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			set[string(padded[i:i+3])] = struct{}{}
		}
	}
	return set
}

func textArg(v driver.Value) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return fmt.Sprint(x), true
	}
}

func unaccentFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	s, ok := textArg(args[0])
	if !ok {
		return nil, nil
	}
	return Unaccent(s), nil
}

func similarityFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, okA := textArg(args[0])
	b, okB := textArg(args[1])
	if !okA || !okB {
		return nil, nil
	}
	return Similarity(a, b), nil
}

var (
	ilikePattern      = regexp.MustCompile(`(?i)\bilike\b`)
	searchProcPattern = regexp.MustCompile(`(?i)search_ingredients_v3\(\s*'((?:[^']|'')*)'\s*,\s*([0-9]*\.?[0-9]+)\s*\)`)
)

// translateDialect rewrites ILIKE to LIKE (SQLite's LIKE already ignores
// ASCII case) and inlines search_ingredients_v3(term, threshold) as a
// subquery.
func translateDialect(query string) string {
	q := ilikePattern.ReplaceAllString(query, "LIKE")
	return searchProcPattern.ReplaceAllStringFunc(q, func(m string) string {
		sub := searchProcPattern.FindStringSubmatch(m)
		term := strings.ReplaceAll(sub[1], "''", "'")
		threshold, err := strconv.ParseFloat(sub[2], 64)
		if err != nil {
			threshold = defaultSimilarityThreshold
		}
		return "(" + searchIngredientsSQL(term, threshold) + ")"
	})
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// searchIngredientsSQL is the SQLite body of the canonical fuzzy search for
// one token: substring or trigram matches, ranked exact, partial, fuzzy.
func searchIngredientsSQL(term string, threshold float64) string {
	name := "lower(unaccent(nombre_generico))"
	needle := fmt.Sprintf("lower(unaccent(%s))", quoteLiteral(term))
	contains := fmt.Sprintf("%s LIKE '%%' || %s || '%%'", name, needle)
	sim := fmt.Sprintf("similarity(%s, %s)", name, needle)
	rank := fmt.Sprintf("CASE WHEN %s = %s THEN 0 WHEN %s THEN 1 ELSE 2 END", name, needle, contains)

	return fmt.Sprintf(`SELECT nombre_generico, precio_promedio, unidad, division, grupo, clase, subclase,
  CASE %s WHEN 0 THEN 'exact' WHEN 1 THEN 'partial' ELSE 'fuzzy' END AS match_type,
  %s AS similarity,
  %s AS search_token
FROM price_data
WHERE %s OR %s > %s
ORDER BY %s, %s DESC, precio_promedio ASC`,
		rank, sim, quoteLiteral(term),
		contains, sim, strconv.FormatFloat(threshold, 'f', -1, 64),
		rank, sim)
}
