package pricing

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	// SimilarityThreshold is the minimum trigram similarity for fuzzy strategies.
	SimilarityThreshold = 0.3

	priceTable    = "price_data"
	searchProcSQL = "search_ingredients_v3"
)

const selectColumns = `nombre_generico,
  precio_promedio,
  unidad,
  division,
  grupo,
  clase,
  subclase`

var forbiddenOperations = []string{"insert", "update", "delete", "drop", "truncate", "alter", "create"}

var (
	stringLiteral = regexp.MustCompile(`'[^']*'`)
	setOperator   = regexp.MustCompile(`\b(union|intersect|except)\b`)
	sourceRef     = regexp.MustCompile(`\b(from|join)\s+([a-z_][a-z0-9_]*)?`)
	clauseEnd     = regexp.MustCompile(`\b(where|order|group|having|limit|offset|join|on)\b|\)`)
)

// SanitizeTerm keeps Latin letters (accented included), ASCII digits and
// whitespace, then trims.
func SanitizeTerm(term string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case unicode.Is(unicode.Latin, r):
			return r
		case r >= '0' && r <= '9':
			return r
		case unicode.IsSpace(r):
			return r
		}
		return -1
	}, term)
	return strings.TrimSpace(clean)
}

// GenerateQuery returns the SQL for the given 1-based attempt:
// exact, substring, similarity, then the canonical search procedure.
func GenerateQuery(term string, attempt int) string {
	t := SanitizeTerm(term)

	switch attempt {
	case 1:
		return fmt.Sprintf(`SELECT
  %s
FROM %s
WHERE lower(unaccent(nombre_generico)) = lower(unaccent('%s'))
ORDER BY precio_promedio ASC
LIMIT 10`, selectColumns, priceTable, t)

	case 2:
		return fmt.Sprintf(`SELECT
  %s
FROM %s
WHERE lower(unaccent(nombre_generico)) ILIKE '%%%s%%'
ORDER BY precio_promedio ASC
LIMIT 15`, selectColumns, priceTable, t)

	case 3:
		return fmt.Sprintf(`SELECT
  %s,
  similarity(lower(unaccent(nombre_generico)), lower(unaccent('%s'))) AS similarity
FROM %s
WHERE similarity(lower(unaccent(nombre_generico)), lower(unaccent('%s'))) > %.1f
ORDER BY similarity DESC, precio_promedio ASC
LIMIT 20`, selectColumns, t, priceTable, t, SimilarityThreshold)

	default:
		return fmt.Sprintf(`SELECT
  %s
FROM %s('%s', %.1f)
LIMIT 20`, selectColumns, searchProcSQL, t, SimilarityThreshold)
	}
}

// ValidateQuery rejects anything that is not a read of the price table or
// the canonical search procedure. It never touches the store.
func ValidateQuery(query string) error {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")

	if !strings.HasPrefix(normalized, "select") {
		return &QueryError{Type: ErrorTypeValidation, Message: "query must start with SELECT"}
	}

	for _, op := range forbiddenOperations {
		if strings.Contains(normalized, op) {
			return &QueryError{Type: ErrorTypeValidation, Message: fmt.Sprintf("query contains forbidden operation: %s", op)}
		}
	}

	return checkSources(normalized)
}

// checkSources requires every FROM and JOIN target to be the price table or
// the search procedure, with no comma joins, set operators or second
// statement. String literals are ignored.
func checkSources(normalized string) error {
	sql := stringLiteral.ReplaceAllString(normalized, "''")

	if strings.Contains(sql, ";") {
		return &QueryError{Type: ErrorTypeValidation, Message: "query must be a single statement"}
	}
	if op := setOperator.FindString(sql); op != "" {
		return &QueryError{Type: ErrorTypeValidation, Message: "query contains forbidden operation: " + op}
	}

	refs := sourceRef.FindAllStringSubmatchIndex(sql, -1)
	if len(refs) == 0 {
		return &QueryError{Type: ErrorTypeValidation, Message: "query must select from " + priceTable}
	}
	for _, ref := range refs {
		name := ""
		if ref[4] >= 0 {
			name = sql[ref[4]:ref[5]]
		}
		rest := sql[ref[1]:]

		switch name {
		case priceTable:
		case searchProcSQL:
			args := strings.TrimLeft(rest, " ")
			end := strings.Index(args, ")")
			if !strings.HasPrefix(args, "(") || end < 0 {
				return &QueryError{Type: ErrorTypeValidation, Message: searchProcSQL + " must be called"}
			}
			rest = args[end+1:]
		case "":
			return &QueryError{Type: ErrorTypeValidation, Message: "query may only read " + priceTable}
		default:
			return &QueryError{Type: ErrorTypeValidation, Message: fmt.Sprintf("query references %s, only %s is allowed", name, priceTable)}
		}

		if loc := clauseEnd.FindStringIndex(rest); loc != nil {
			rest = rest[:loc[0]]
		}
		if strings.Contains(rest, ",") {
			return &QueryError{Type: ErrorTypeValidation, Message: "query may only read " + priceTable}
		}
	}
	return nil
}
