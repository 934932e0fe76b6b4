package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TermSummary describes the matches kept for one term.
type TermSummary struct {
	SearchTerm     string  `json:"search_term"`
	MatchesFound   int     `json:"matches_found"`
	BestMatch      string  `json:"best_match"`
	BestMatchScore float64 `json:"best_match_score"`
	AveragePrice   float64 `json:"average_price"`
}

// Metadata accompanies a formatted response.
type Metadata struct {
	FoundTerms            []string      `json:"found_terms"`
	MissingTerms          []string      `json:"missing_terms,omitempty"`
	TotalIngredientsFound int           `json:"total_ingredients_found"`
	TotalMatches          int           `json:"total_matches"`
	QueryTime             string        `json:"query_time"`
	SearchSummary         []TermSummary `json:"search_summary"`
}

// Response is the JSON document returned to the calling agent.
type Response struct {
	Status   Status                   `json:"status"`
	Data     map[string][]PriceRecord `json:"data,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Metadata *Metadata                `json:"metadata,omitempty"`
	RawData  []PriceRecord            `json:"raw_data,omitempty"`
}

// Format groups the result's records by search term and computes per-term
// summaries. Groups keep first-appearance order in FoundTerms.
func Format(res *Result, now time.Time) (*Response, error) {
	if res == nil {
		return nil, errors.New("nil search result")
	}

	data := make(map[string][]PriceRecord)
	var order []string
	for i, r := range res.Records {
		if r.SearchTerm == "" {
			return nil, fmt.Errorf("record %d (%q) has no search term", i, r.ProductName)
		}
		if math.IsNaN(r.AveragePrice) || math.IsInf(r.AveragePrice, 0) {
			return nil, fmt.Errorf("record %d (%q) has a non-finite price", i, r.ProductName)
		}
		if _, ok := data[r.SearchTerm]; !ok {
			order = append(order, r.SearchTerm)
		}
		data[r.SearchTerm] = append(data[r.SearchTerm], r)
	}

	summary := make([]TermSummary, 0, len(order))
	for _, term := range order {
		rows := data[term]
		var total float64
		for _, r := range rows {
			total += r.AveragePrice
		}
		summary = append(summary, TermSummary{
			SearchTerm:     term,
			MatchesFound:   len(rows),
			BestMatch:      rows[0].ProductName,
			BestMatchScore: rows[0].Score(),
			AveragePrice:   total / float64(len(rows)),
		})
	}

	resp := &Response{
		Status: res.Status,
		Data:   data,
		Metadata: &Metadata{
			FoundTerms:            order,
			MissingTerms:          res.MissingTerms,
			TotalIngredientsFound: len(order),
			TotalMatches:          len(res.Records),
			QueryTime:             now.UTC().Format(time.RFC3339),
			SearchSummary:         summary,
		},
	}
	if order == nil {
		resp.Metadata.FoundTerms = []string{}
	}
	if res.Status == StatusError {
		resp.Error = "no valid matches found for: " + strings.Join(res.Terms, ", ")
	}
	return resp, nil
}

// Encode formats res as JSON. When formatting fails it falls back to an
// error document carrying the raw records, and reports formatted=false.
func Encode(res *Result, now time.Time) (payload []byte, formatted bool) {
	resp, err := Format(res, now)
	if err == nil {
		var data []byte
		if data, err = json.Marshal(resp); err == nil {
			return data, true
		}
	}

	fallback := Response{
		Status: StatusError,
		Error:  "failed to format response: " + err.Error(),
	}
	if res != nil {
		fallback.RawData = res.Records
	}
	if data, mErr := json.Marshal(fallback); mErr == nil {
		return data, false
	}
	fallback.RawData = nil
	data, _ := json.Marshal(fallback)
	return data, false
}

// ErrorPayload is the single error object returned for a failed tool call.
func ErrorPayload(msg string) []byte {
	data, _ := json.Marshal(map[string]string{"status": string(StatusError), "error": msg})
	return data
}
