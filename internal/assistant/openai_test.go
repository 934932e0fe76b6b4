package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) *OpenAIEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIEngine("sk-test", "asst_123", srv.URL+"/v1")
}

func TestOpenAIEngine_RetrieveRunMapsToolCalls(t *testing.T) {
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/threads/thread_1/runs/run_1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "run_1",
			"status": "requires_action",
			"required_action": {
				"type": "submit_tool_outputs",
				"submit_tool_outputs": {"tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "invocar_agente_sql", "arguments": "{\"query_ingredients\":\"arroz\"}"}}
				]}
			}
		}`)
	})

	run, err := eng.RetrieveRun(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("RetrieveRun: %v", err)
	}
	if run.Status != StatusRequiresAction || run.RequiredAction != ActionSubmitToolOutputs {
		t.Errorf("run = %+v", run)
	}
	if len(run.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", run.ToolCalls)
	}
	call := run.ToolCalls[0]
	if call.ID != "call_1" || call.Name != ToolPricing || call.Arguments != `{"query_ingredients":"arroz"}` {
		t.Errorf("call = %+v", call)
	}
}

func TestOpenAIEngine_CreateRunSendsTools(t *testing.T) {
	var body struct {
		AssistantID string `json:"assistant_id"`
		Tools       []struct {
			Type     string `json:"type"`
			Function struct {
				Name       string         `json:"name"`
				Parameters map[string]any `json:"parameters"`
			} `json:"function"`
		} `json:"tools"`
	}
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/threads/thread_1/runs" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"id":"run_9","status":"queued"}`)
	})

	run, err := eng.CreateRun(context.Background(), "thread_1", DefaultTools())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID != "run_9" || run.Status != StatusQueued {
		t.Errorf("run = %+v", run)
	}
	if body.AssistantID != "asst_123" {
		t.Errorf("assistant_id = %q", body.AssistantID)
	}
	if len(body.Tools) != 2 || body.Tools[0].Type != "function" || body.Tools[0].Function.Name != ToolPricing {
		t.Fatalf("tools = %+v", body.Tools)
	}
	if body.Tools[0].Function.Parameters["type"] != "object" {
		t.Errorf("parameters = %v", body.Tools[0].Function.Parameters)
	}
}

func TestOpenAIEngine_SubmitToolOutputs(t *testing.T) {
	var body map[string][]map[string]string
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/threads/thread_1/runs/run_1/submit_tool_outputs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"id":"run_1","status":"queued"}`)
	})

	_, err := eng.SubmitToolOutputs(context.Background(), "thread_1", "run_1", []ToolOutput{
		{ToolCallID: "call_1", Output: `{"status":"error","error":"x"}`},
	})
	if err != nil {
		t.Fatalf("SubmitToolOutputs: %v", err)
	}
	outs := body["tool_outputs"]
	if len(outs) != 1 || outs[0]["tool_call_id"] != "call_1" || outs[0]["output"] != `{"status":"error","error":"x"}` {
		t.Errorf("tool_outputs = %v", outs)
	}
}

func TestOpenAIEngine_LatestMessages(t *testing.T) {
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/threads/thread_1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("order") != "desc" || r.URL.Query().Get("limit") != "1" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"msg_2","role":"assistant","content":[
			{"type":"text","text":{"value":"Hola","annotations":[]}},
			{"type":"text","text":{"value":"mundo","annotations":[]}}
		]}]}`)
	})

	msgs, err := eng.LatestMessages(context.Background(), "thread_1", 1)
	if err != nil {
		t.Fatalf("LatestMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleAssistant || msgs[0].Text != "Hola\nmundo" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestOpenAIEngine_ListRunsMapsLastError(t *testing.T) {
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"id":"run_2","status":"failed","last_error":{"code":"server_error","message":"overloaded"}},
			{"id":"run_1","status":"completed"}
		]}`)
	})

	runs, err := eng.ListRuns(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].LastError != "overloaded" || runs[1].Status != StatusCompleted {
		t.Errorf("runs = %+v", runs)
	}
}
