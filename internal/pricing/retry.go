package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/logx"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 1000 * time.Millisecond
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Matches reports whether a row's product name and the search term contain
// one another, ignoring case.
func Matches(term, productName string) bool {
	t := strings.ToLower(strings.TrimSpace(term))
	n := strings.ToLower(strings.TrimSpace(productName))
	if t == "" || n == "" {
		return false
	}
	return strings.Contains(n, t) || strings.Contains(t, n)
}

// FilterMatches keeps the rows accepted by Matches, tagged with term.
func FilterMatches(term string, rows []PriceRecord) []PriceRecord {
	var out []PriceRecord
	for _, r := range rows {
		if Matches(term, r.ProductName) {
			r.SearchTerm = term
			out = append(out, r)
		}
	}
	return out
}

// searchTerm drives the attempt ladder for one term until a validated row
// appears or the attempt cap is reached.
func (s *Searcher) searchTerm(ctx context.Context, sc *SearchContext, term string) ([]PriceRecord, bool) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rows, a := s.exec.Execute(ctx, sc, term, attempt)

		if valid := FilterMatches(term, rows); len(valid) > 0 {
			sc.markFound(term)
			s.pub.Publish(bus.NewMessage(s.agent, bus.AgentSystem, bus.TypeResponse, sc.ConversationID,
				bus.NewSearchResults(attempt, len(valid), []string{term})))
			logx.Info().Str("term", term).Int("attempt", attempt).Int("matches", len(valid)).Msg("term found")
			return valid, true
		}

		switch {
		case len(rows) > 0:
			s.publishMiss(sc, attempt, term,
				fmt.Sprintf("%d rows returned but none matched term: %s", len(rows), term), ErrorTypeValidation)
		case a.Success:
			s.publishMiss(sc, attempt, term, "No results found for term: "+term, ErrorTypeNoResults)
		}

		if attempt < s.maxAttempts {
			if err := s.sleep(ctx, s.backoff); err != nil {
				logx.Warn().Str("term", term).Err(err).Msg("retry interrupted")
				break
			}
		}
	}

	s.publishMiss(sc, s.maxAttempts, term, "No valid matches found for term: "+term, ErrorTypeNoResults)
	logx.Info().Str("term", term).Int("attempts", s.maxAttempts).Msg("term not found")
	return nil, false
}

func (s *Searcher) publishMiss(sc *SearchContext, attempt int, term, msg string, errorType ErrorType) {
	s.pub.Publish(bus.NewMessage(s.agent, bus.AgentSystem, bus.TypeError, sc.ConversationID,
		bus.NewSearchError(attempt, term, msg, string(errorType))))
}
