package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// toolCallTimeout bounds one tool execution. A caller is waiting on the
// phone, so a tool that cannot answer quickly should not answer at all.
const toolCallTimeout = 10 * time.Second

// Tool is a function the model may invoke during a call.
//
// Definition returns the realtime function-tool definition object (it must
// carry at least "type": "function" and a "name"). Handle executes the call
// with the model-supplied arguments and returns a JSON-serialisable result.
// A Handle error is reported back to the model as an error result rather
// than terminating the session.
type Tool interface {
	Definition() map[string]any
	Handle(ctx context.Context, args json.RawMessage) (any, error)
}

// toolName extracts the name from a tool definition.
func toolName(t Tool) string {
	name, _ := t.Definition()["name"].(string)
	return name
}

// handleToolCalls scans a response.done event for function_call output items
// and answers each one: the result is injected as a function_call_output
// conversation item and a fresh response is requested so the model can speak
// the outcome. Mirrors the round trip the realtime protocol expects.
func (a *Adapter) handleToolCalls(data map[string]any) {
	if len(a.tools) == 0 || data == nil {
		return
	}
	response, _ := data["response"].(map[string]any)
	if response == nil {
		return
	}
	output, _ := response["output"].([]any)

	for _, raw := range output {
		item, _ := raw.(map[string]any)
		if item == nil {
			continue
		}
		if kind, _ := item["type"].(string); kind != "function_call" {
			continue
		}
		name, _ := item["name"].(string)
		callID, _ := item["call_id"].(string)
		args, _ := item["arguments"].(string)

		result := a.executeTool(name, args)
		a.replyToolCall(callID, result)
	}
}

// executeTool runs the named tool and returns its JSON-encoded result. Tool
// failures and unknown names become JSON error objects for the model.
func (a *Adapter) executeTool(name, args string) string {
	tool, ok := a.tools[name]
	if !ok {
		slog.Warn("openai: model requested unknown tool", "tool", name)
		a.observeTool(name, errors.New("unknown tool"))
		return fmt.Sprintf(`{"error": %q}`, "unknown tool: "+name)
	}

	ctx, cancel := context.WithTimeout(a.ctx, toolCallTimeout)
	defer cancel()

	result, err := tool.Handle(ctx, json.RawMessage(args))
	if err != nil {
		slog.Warn("openai: tool call failed", "tool", name, "err", err)
		a.observeTool(name, err)
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		slog.Warn("openai: tool result not serialisable", "tool", name, "err", err)
		a.observeTool(name, err)
		return fmt.Sprintf(`{"error": %q}`, "tool result not serialisable")
	}
	slog.Debug("openai: tool call completed", "tool", name)
	a.observeTool(name, nil)
	return string(encoded)
}

func (a *Adapter) observeTool(name string, err error) {
	if a.toolHook != nil {
		a.toolHook(name, err)
	}
}

// replyToolCall returns a tool result to the model and triggers the next
// response turn.
func (a *Adapter) replyToolCall(callID, output string) {
	err := a.writeEvent(map[string]any{
		"event_id": newEventID(),
		"type":     "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
	if err != nil {
		slog.Warn("openai: failed to deliver tool output", "err", err)
		return
	}
	_ = a.writeEvent(map[string]any{
		"event_id": newEventID(),
		"type":     "response.create",
		"response": map[string]any{
			"modalities":   []string{"text", "audio"},
			"instructions": "Respond to the user based on the tool call result.",
		},
	})
}
