package gateway

import "encoding/json"

// ToUpstream converts a Canonical Chat Request into an Upstream Request,
// applying the Schema Sanitizer to every tool's parameters.
func ToUpstream(req *ChatRequest) *UpstreamRequest {
	up := &UpstreamRequest{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			up.SystemInstruction = &UpstreamContent{
				Role:  "user",
				Parts: []UpstreamPart{{Text: flattenContent(msg.Content)}},
			}
		case "user":
			up.Contents = append(up.Contents, UpstreamContent{
				Role:  "user",
				Parts: []UpstreamPart{{Text: flattenContent(msg.Content)}},
			})
		case "assistant":
			var parts []UpstreamPart
			if text := flattenContent(msg.Content); text != "" {
				parts = append(parts, UpstreamPart{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				parts = append(parts, UpstreamPart{
					FunctionCall: &UpstreamFunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
			if len(parts) > 0 {
				up.Contents = append(up.Contents, UpstreamContent{Role: "model", Parts: parts})
			}
		case "tool":
			text := flattenContent(msg.Content)
			response := map[string]any{}
			if err := json.Unmarshal([]byte(text), &response); err != nil {
				response = map[string]any{"result": text}
			}
			up.Contents = append(up.Contents, UpstreamContent{
				Role: "user",
				Parts: []UpstreamPart{{
					FunctionResponse: &UpstreamFuncResponse{Name: msg.Name, Response: response},
				}},
			})
		}
	}

	up.GenerationConfig = toGenerationConfig(req)
	if len(req.Tools) > 0 {
		up.Tools = []UpstreamTool{{FunctionDeclarations: toFunctionDeclarations(req.Tools)}}
	}
	up.ToolConfig = toToolConfig(req.ToolChoice)

	return up
}

// flattenContent applies the "flatten content" rule: a string is returned
// as-is, nil/missing becomes "", a list concatenates the `text` fields of
// elements that have one, anything else is rendered via its string form.
func flattenContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		out := ""
		for _, entry := range v {
			if m, ok := entry.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					out += t
				}
			}
		}
		return out
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func toGenerationConfig(req *ChatRequest) *UpstreamGenerationConfig {
	cfg := &UpstreamGenerationConfig{}
	empty := true
	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
		empty = false
	}
	if req.TopP != nil {
		cfg.TopP = req.TopP
		empty = false
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = req.MaxTokens
		empty = false
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
		empty = false
	}
	if empty {
		return nil
	}
	return cfg
}

func toFunctionDeclarations(tools []ToolDeclaration) []UpstreamFunctionDeclaration {
	decls := make([]UpstreamFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, UpstreamFunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  SanitizeSchema(t.Function.Parameters),
		})
	}
	return decls
}

func toToolConfig(toolChoice any) *UpstreamToolConfig {
	if toolChoice == nil {
		return nil
	}
	mode := "AUTO"
	if s, ok := toolChoice.(string); ok {
		switch s {
		case "auto":
			mode = "AUTO"
		case "none":
			mode = "NONE"
		case "required":
			mode = "ANY"
		default:
			mode = "AUTO"
		}
	}
	return &UpstreamToolConfig{FunctionCallingConfig: UpstreamFunctionCallingConfig{Mode: mode}}
}

// finishReasonToCanonical maps an upstream finishReason to the canonical
// finish_reason vocabulary.
func finishReasonToCanonical(reason string) *string {
	if reason == "" {
		return nil
	}
	var mapped string
	switch reason {
	case "STOP":
		mapped = "stop"
	case "MAX_TOKENS":
		mapped = "length"
	case "SAFETY", "RECITATION":
		mapped = "content_filter"
	default:
		mapped = "stop"
	}
	return &mapped
}

// candidateToMessage converts one upstream candidate's content into a
// canonical ChatMessage: concatenated text (omitted if none) plus one
// tool-call per function-call part.
func candidateToMessage(content UpstreamContent) *ChatMessage {
	text := ""
	var toolCalls []ToolCall
	for _, part := range content.Parts {
		if part.Text != "" {
			text += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   "call_" + part.FunctionCall.Name,
				Type: "function",
				Function: ToolCallFunc{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		}
	}
	msg := &ChatMessage{Role: "assistant"}
	if text != "" {
		msg.Content = text
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	return msg
}

func toChatUsage(u *UpstreamUsageMetadata) *ChatUsage {
	if u == nil {
		return nil
	}
	return &ChatUsage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

// FromUpstreamResponse converts an Upstream Response (unary) into a
// Canonical ChatResponse.
func FromUpstreamResponse(id string, created int64, model string, resp *UpstreamResponse) *ChatResponse {
	choices := make([]ChatChoice, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		choices = append(choices, ChatChoice{
			Index:        c.Index,
			Message:      candidateToMessage(c.Content),
			FinishReason: finishReasonToCanonical(c.FinishReason),
		})
	}
	return &ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: choices,
		Usage:   toChatUsage(resp.UsageMetadata),
	}
}

// FromUpstreamChunk converts an Upstream Response (streaming chunk) into a
// Canonical ChatChunk. Identical to FromUpstreamResponse except the
// per-choice field is "delta" and the envelope is chat.completion.chunk.
func FromUpstreamChunk(id string, created int64, model string, resp *UpstreamResponse) *ChatChunk {
	choices := make([]ChatChunkChoice, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		choices = append(choices, ChatChunkChoice{
			Index:        c.Index,
			Delta:        candidateToMessage(c.Content),
			FinishReason: finishReasonToCanonical(c.FinishReason),
		})
	}
	return &ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: choices,
		Usage:   toChatUsage(resp.UsageMetadata),
	}
}
