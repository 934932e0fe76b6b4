package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is the read side of the relational store used by the search path.
type Store interface {
	ExecuteSQL(ctx context.Context, query string) ([]PriceRecord, error)
}

// Catalog adds the store's canonical fuzzy-search procedure.
type Catalog interface {
	Store
	SearchIngredients(ctx context.Context, terms string, threshold float64) ([]PriceRecord, error)
}

// PriceRecord is one row of price_data plus match metadata.
type PriceRecord struct {
	ProductName  string   `json:"nombre_generico"`
	AveragePrice float64  `json:"precio_promedio"`
	Unit         string   `json:"unidad"`
	Division     string   `json:"division"`
	Group        string   `json:"grupo"`
	Class        string   `json:"clase"`
	Subclass     string   `json:"subclase"`
	MatchType    string   `json:"match_type,omitempty"`
	Similarity   *float64 `json:"similarity,omitempty"`
	SearchTerm   string   `json:"search_token,omitempty"`
}

// Score returns the record's similarity, treating unscored rows as exact.
func (r PriceRecord) Score() float64 {
	if r.Similarity == nil {
		return 1.0
	}
	return *r.Similarity
}

// ErrorType classifies a failed or empty attempt.
type ErrorType string

const (
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeSyntax     ErrorType = "syntax"
	ErrorTypeNoResults  ErrorType = "no_results"
	ErrorTypeExecution  ErrorType = "execution"
	ErrorTypeValidation ErrorType = "validation"
)

// QueryError is a classified failure of one query.
type QueryError struct {
	Type    ErrorType
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Classify maps a store error to timeout, syntax or execution by its text.
func Classify(err error) ErrorType {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Type
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "syntax"):
		return ErrorTypeSyntax
	default:
		return ErrorTypeExecution
	}
}

// ErrNoTerms is returned when a phrase contains no searchable terms.
var ErrNoTerms error = &QueryError{Type: ErrorTypeValidation, Message: "ingredient phrase contains no search terms"}

// BestMatch is the first row returned by an attempt.
type BestMatch struct {
	Name       string  `json:"term"`
	Similarity float64 `json:"similarity"`
}

// SearchAttempt is the immutable record of one executor invocation.
type SearchAttempt struct {
	Attempt       int           `json:"attempt"`
	Sequence      int           `json:"sequence"`
	Term          string        `json:"search_token"`
	Query         string        `json:"query"`
	Results       []PriceRecord `json:"results"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	ErrorType     ErrorType     `json:"errorType,omitempty"`
	ExecutionTime time.Duration `json:"-"`
	ExecutionMS   int64         `json:"executionTime"`
	MatchCount    int           `json:"matchCount"`
	BestMatch     *BestMatch    `json:"bestMatch,omitempty"`
}

// SearchContext is owned by a single Search call.
type SearchContext struct {
	Phrase         string
	ConversationID string

	attempts []SearchAttempt
	found    []string
	seen     map[string]bool
}

func newSearchContext(conversationID, phrase string) *SearchContext {
	return &SearchContext{
		Phrase:         phrase,
		ConversationID: conversationID,
		seen:           make(map[string]bool),
	}
}

func (sc *SearchContext) record(a SearchAttempt) SearchAttempt {
	a.Sequence = len(sc.attempts) + 1
	sc.attempts = append(sc.attempts, a)
	return a
}

func (sc *SearchContext) markFound(term string) {
	if sc.seen[term] {
		return
	}
	sc.seen[term] = true
	sc.found = append(sc.found, term)
}

// Attempts returns a copy of the attempt history in execution order.
func (sc *SearchContext) Attempts() []SearchAttempt {
	out := make([]SearchAttempt, len(sc.attempts))
	copy(out, sc.attempts)
	return out
}

// FoundTerms returns the distinct found terms in the order they were found.
func (sc *SearchContext) FoundTerms() []string {
	out := make([]string, len(sc.found))
	copy(out, sc.found)
	return out
}

// Status is the overall outcome of a search.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusError          Status = "error"
)

// ComputeStatus applies the found/total rule.
func ComputeStatus(found, total int) Status {
	switch {
	case found <= 0:
		return StatusError
	case found >= total:
		return StatusSuccess
	default:
		return StatusPartialSuccess
	}
}

// Result is the output of the orchestrator.
type Result struct {
	ConversationID string
	Status         Status
	Terms          []string
	FoundTerms     []string
	MissingTerms   []string
	Records        []PriceRecord
	Attempts       []SearchAttempt
}
