package bus

import "encoding/json"

// Kind tags the payload carried in Message.Content.
type Kind string

const (
	KindSearchAttempt Kind = "search_attempt"
	KindSearchResults Kind = "search_results"
	KindSearchError   Kind = "search_error"
	KindResponse      Kind = "response"
	KindToolCall      Kind = "tool_call"
)

// SearchAttempt announces a query about to be issued for one term.
type SearchAttempt struct {
	Kind    Kind     `json:"type"`
	Attempt int      `json:"attempt"`
	Terms   []string `json:"terms"`
	Query   string   `json:"query,omitempty"`
}

func NewSearchAttempt(attempt int, term, query string) SearchAttempt {
	return SearchAttempt{Kind: KindSearchAttempt, Attempt: attempt, Terms: []string{term}, Query: query}
}

// SearchResults reports validated matches for a term.
type SearchResults struct {
	Kind         Kind     `json:"type"`
	Attempt      int      `json:"attempt"`
	MatchesFound int      `json:"matches_found"`
	FoundTerms   []string `json:"found_terms"`
}

func NewSearchResults(attempt, matches int, found []string) SearchResults {
	return SearchResults{Kind: KindSearchResults, Attempt: attempt, MatchesFound: matches, FoundTerms: found}
}

// SearchError reports a failed or empty attempt.
type SearchError struct {
	Kind      Kind   `json:"type"`
	Attempt   int    `json:"attempt"`
	Term      string `json:"term,omitempty"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

func NewSearchError(attempt int, term, msg, errorType string) SearchError {
	return SearchError{Kind: KindSearchError, Attempt: attempt, Term: term, Error: msg, ErrorType: errorType}
}

// Response wraps the structured result handed back to the main agent.
type Response struct {
	Kind   Kind            `json:"type"`
	Status string          `json:"status"`
	Body   json.RawMessage `json:"body"`
}

func NewResponse(status string, body []byte) Response {
	return Response{Kind: KindResponse, Status: status, Body: json.RawMessage(body)}
}

// ToolCall records the main agent delegating to a tool.
type ToolCall struct {
	Kind      Kind            `json:"type"`
	Function  string          `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewToolCall keeps args verbatim when they are valid JSON, otherwise
// stores them as a JSON string.
func NewToolCall(function, args string) ToolCall {
	raw := json.RawMessage(args)
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(args)
		raw = quoted
	}
	return ToolCall{Kind: KindToolCall, Function: function, Arguments: raw}
}

// DecodeKind extracts the payload tag from a message's content, or "" if
// the content is not a tagged JSON object.
func DecodeKind(content string) Kind {
	var head struct {
		Kind Kind `json:"type"`
	}
	if err := json.Unmarshal([]byte(content), &head); err != nil {
		return ""
	}
	return head.Kind
}
