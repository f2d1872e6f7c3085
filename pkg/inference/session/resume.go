package session

import (
	"encoding/json"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/emitter"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Resume answers the interrupt a previous run of the thread finished with.
//
// Payload carries either caller tool results:
//
//	{"toolResults": [{"toolCallId": "call-1", "result": {...}}]}
//
// or an approval decision for held server tools:
//
//	{"decision": "approve"|"deny"|"modify", "toolCallId": "call-1", "arguments": {...}, "reason": "..."}
//
// The decision, with its reason, is recorded in the arguments of the settled
// call.
//
// Both may be combined when an approval interrupt also listed caller tools.
type Resume struct {
	InterruptID string          `json:"interruptId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// applyResume appends resumed tool results to history and turns an approval
// decision into emitter decisions. Malformed entries are logged and skipped.
func applyResume(history []conversation.Message, catalog *tools.Catalog, r *Resume) ([]conversation.Message, []emitter.Decision) {
	if r == nil || len(r.Payload) == 0 {
		return history, nil
	}
	if !gjson.ValidBytes(r.Payload) {
		log.Warn().Str("interrupt_id", r.InterruptID).Msg("session: ignoring invalid resume payload")
		return history, nil
	}
	p := gjson.ParseBytes(r.Payload)

	added := 0
	p.Get("toolResults").ForEach(func(_, tr gjson.Result) bool {
		id := tr.Get("toolCallId").String()
		res := tr.Get("result")
		if id == "" || !res.Exists() {
			log.Warn().Str("interrupt_id", r.InterruptID).Str("entry", tr.Raw).Msg("session: skipping tool result without toolCallId or result")
			return true
		}
		content := res.Raw
		if res.Type == gjson.String {
			content = res.Str
		}
		history = append(history, conversation.NewToolMessage(id, content))
		added++
		return true
	})

	var decisions []emitter.Decision
	if d := p.Get("decision"); d.Exists() {
		decisions = approvalDecisions(history, catalog, p)
	}

	log.Debug().
		Str("interrupt_id", r.InterruptID).
		Int("tool_results", added).
		Int("decisions", len(decisions)).
		Msg("session: resuming from interrupt")
	return history, decisions
}

func approvalDecisions(history []conversation.Message, catalog *tools.Catalog, p gjson.Result) []emitter.Decision {
	kind := p.Get("decision").String()
	approved := false
	switch kind {
	case "approve", "modify":
		approved = true
	case "deny":
	default:
		log.Warn().Str("decision", kind).Msg("session: unknown approval decision")
		return nil
	}

	only := p.Get("toolCallId").String()
	var targets []conversation.ToolCall
	for _, tc := range conversation.PendingToolCalls(history) {
		if only != "" && tc.ID != only {
			continue
		}
		r, err := catalog.Resolve(tc.Name)
		if err != nil || r.Site != tools.SiteServer || !r.RequiresApproval {
			continue
		}
		targets = append(targets, tc)
	}
	if len(targets) == 0 {
		log.Warn().Str("tool_call_id", only).Msg("session: approval decision without a held tool call")
		return nil
	}

	var args string
	if a := p.Get("arguments"); a.Exists() && (only != "" || len(targets) == 1) {
		args = a.Raw
		if a.Type == gjson.String {
			args = a.Str
		}
	}

	response := map[string]string{"decision": kind}
	if reason := p.Get("reason").String(); reason != "" {
		response["reason"] = reason
	}
	resp, err := json.Marshal(response)
	if err != nil {
		log.Warn().Err(err).Msg("session: could not encode approval response")
		resp = nil
	}

	ret := make([]emitter.Decision, 0, len(targets))
	for _, tc := range targets {
		ret = append(ret, emitter.Decision{Call: tc, Approved: approved, Arguments: args, Response: resp})
	}
	return ret
}
