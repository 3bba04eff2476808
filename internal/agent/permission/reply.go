package permission

import (
	"encoding/json"

	"github.com/happyhq/hub/pkg/mcpwire"
)

// AppServerDecision translates a pipeline decision to the app-server
// approval response value.
func AppServerDecision(d Decision) string {
	switch d {
	case DecisionApproved:
		return "accept"
	case DecisionApprovedForSession:
		return "acceptForSession"
	case DecisionDenied:
		return "decline"
	default:
		return "cancel"
	}
}

// MCPReply builds the elicitation result for a resolution. The agent's
// requested schema drives what gets synthesized: accept actions carry a
// content object with the declared decision fields set affirmatively and
// any client-supplied answers for declared properties; decline and cancel
// inline the decision (and reason, when declared) next to the action. A
// schema with no properties yields a bare action.
func MCPReply(res Resolution, schema *mcpwire.ElicitationSchema) *mcpwire.ElicitationResult {
	result := &mcpwire.ElicitationResult{Action: mcpAction(res.Decision)}

	if schema == nil || len(schema.Properties) == 0 {
		return result
	}

	if result.Action == "accept" {
		content := make(map[string]any)
		for prop := range schema.Properties {
			switch prop {
			case "decision":
				content["decision"] = string(res.Decision)
			case "approved":
				content["approved"] = true
			case "allow":
				content["allow"] = true
			case "reason":
				if res.Reason != "" {
					content["reason"] = res.Reason
				}
			}
		}
		for prop, value := range answerValues(res.Answers) {
			if _, declared := schema.Properties[prop]; declared {
				content[prop] = value
			}
		}
		if len(content) > 0 {
			result.Content = content
		}
		return result
	}

	result.Extra = map[string]any{"decision": string(res.Decision)}
	if _, declared := schema.Properties["reason"]; declared && res.Reason != "" {
		result.Extra["reason"] = res.Reason
	}
	return result
}

// answerValues decodes the client's free-form answers; anything that is
// not a JSON object is ignored.
func answerValues(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func mcpAction(d Decision) string {
	switch d {
	case DecisionApproved, DecisionApprovedForSession:
		return "accept"
	case DecisionDenied:
		return "decline"
	default:
		return "cancel"
	}
}
