package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUpstream_SystemMessageBecomesUserRoleInstruction(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []ChatMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
		},
	}
	up := ToUpstream(req)
	require.NotNil(t, up.SystemInstruction)
	assert.Equal(t, "user", up.SystemInstruction.Role)
	assert.Equal(t, "be terse", up.SystemInstruction.Parts[0].Text)
	require.Len(t, up.Contents, 1)
	assert.Equal(t, "user", up.Contents[0].Role)
	assert.Equal(t, "hello", up.Contents[0].Parts[0].Text)
}

func TestToUpstream_AssistantToolCallArgumentParseFailureUsesEmptyObject(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []ChatMessage{
			{
				Role: "assistant",
				ToolCalls: []ToolCall{
					{ID: "call_1", Type: "function", Function: ToolCallFunc{Name: "lookup", Arguments: "not json"}},
				},
			},
		},
	}
	up := ToUpstream(req)
	require.Len(t, up.Contents, 1)
	assert.Equal(t, "model", up.Contents[0].Role)
	fc := up.Contents[0].Parts[0].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "lookup", fc.Name)
	assert.Empty(t, fc.Args)
}

func TestToUpstream_ToolMessageParseFailureWrapsAsResult(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []ChatMessage{
			{Role: "tool", Name: "lookup", Content: "plain text result"},
		},
	}
	up := ToUpstream(req)
	require.Len(t, up.Contents, 1)
	fr := up.Contents[0].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "lookup", fr.Name)
	assert.Equal(t, "plain text result", fr.Response["result"])
}

func TestFlattenContent(t *testing.T) {
	assert.Equal(t, "", flattenContent(nil))
	assert.Equal(t, "hi", flattenContent("hi"))
	assert.Equal(t, "ab", flattenContent([]any{
		map[string]any{"text": "a"},
		map[string]any{"text": "b"},
		map[string]any{"other": "ignored"},
	}))
}

func TestToUpstream_GenerationConfigOnlySetOptions(t *testing.T) {
	temp := 0.5
	req := &ChatRequest{
		Model:       "gemini-1.5-pro",
		Messages:    []ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: &temp,
	}
	up := ToUpstream(req)
	require.NotNil(t, up.GenerationConfig)
	assert.Equal(t, &temp, up.GenerationConfig.Temperature)
	assert.Nil(t, up.GenerationConfig.TopP)
	assert.Nil(t, up.GenerationConfig.MaxOutputTokens)
}

func TestToUpstream_GenerationConfigOmittedWhenEmpty(t *testing.T) {
	req := &ChatRequest{Model: "gemini-1.5-pro", Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	up := ToUpstream(req)
	assert.Nil(t, up.GenerationConfig)
}

func TestToUpstream_ToolChoiceMapping(t *testing.T) {
	cases := map[string]string{
		"auto":     "AUTO",
		"none":     "NONE",
		"required": "ANY",
		"bogus":    "AUTO",
	}
	for choice, want := range cases {
		req := &ChatRequest{Model: "m", Messages: []ChatMessage{{Role: "user", Content: "hi"}}, ToolChoice: choice}
		up := ToUpstream(req)
		require.NotNil(t, up.ToolConfig, choice)
		assert.Equal(t, want, up.ToolConfig.FunctionCallingConfig.Mode, choice)
	}

	req := &ChatRequest{Model: "m", Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	up := ToUpstream(req)
	assert.Nil(t, up.ToolConfig)
}

func TestFromUpstreamResponse_FinishReasonMapping(t *testing.T) {
	cases := map[string]string{
		"STOP":       "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
		"WEIRD":      "stop",
	}
	for reason, want := range cases {
		resp := &UpstreamResponse{Candidates: []UpstreamCandidate{
			{Index: 0, Content: UpstreamContent{Role: "model", Parts: []UpstreamPart{{Text: "hi"}}}, FinishReason: reason},
		}}
		out := FromUpstreamResponse("id", 0, "m", resp)
		require.NotNil(t, out.Choices[0].FinishReason, reason)
		assert.Equal(t, want, *out.Choices[0].FinishReason, reason)
	}

	resp := &UpstreamResponse{Candidates: []UpstreamCandidate{
		{Index: 0, Content: UpstreamContent{Role: "model", Parts: []UpstreamPart{{Text: "hi"}}}},
	}}
	out := FromUpstreamResponse("id", 0, "m", resp)
	assert.Nil(t, out.Choices[0].FinishReason)
}

func TestFromUpstreamResponse_FunctionCallToolCall(t *testing.T) {
	resp := &UpstreamResponse{Candidates: []UpstreamCandidate{
		{
			Index: 0,
			Content: UpstreamContent{
				Role: "model",
				Parts: []UpstreamPart{
					{FunctionCall: &UpstreamFunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}}},
				},
			},
			FinishReason: "STOP",
		},
	}}
	out := FromUpstreamResponse("id", 0, "m", resp)
	msg := out.Choices[0].Message
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_lookup", msg.ToolCalls[0].ID)
	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.ToolCalls[0].Function.Arguments), &args))
	assert.Equal(t, "x", args["q"])
}

// TestConverterFidelity_RoundTrip exercises invariant 6:
// Canonical -> Upstream -> Canonical round trip preserves the model name,
// the tool-call name and arguments (modulo JSON normalization), and the
// tool-choice mode.
func TestConverterFidelity_RoundTrip(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []ChatMessage{
			{Role: "user", Content: "what is the weather"},
		},
		Tools: []ToolDeclaration{
			{Type: "function", Function: ToolFunctionDecl{Name: "get_weather", Parameters: map[string]any{"type": "object"}}},
		},
		ToolChoice: "auto",
	}
	up := ToUpstream(req)

	upResp := &UpstreamResponse{
		Candidates: []UpstreamCandidate{
			{
				Index: 0,
				Content: UpstreamContent{
					Role: "model",
					Parts: []UpstreamPart{
						{FunctionCall: &UpstreamFunctionCall{Name: "get_weather", Args: map[string]any{"city": "NYC"}}},
					},
				},
				FinishReason: "STOP",
			},
		},
	}
	out := FromUpstreamResponse("id", 0, req.Model, upResp)

	assert.Equal(t, req.Model, out.Model)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", out.Choices[0].Message.ToolCalls[0].Function.Name)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.Choices[0].Message.ToolCalls[0].Function.Arguments), &args))
	assert.Equal(t, "NYC", args["city"])

	assert.Equal(t, "AUTO", up.ToolConfig.FunctionCallingConfig.Mode)
}

// TestE1 exercises scenario E1 at the converter level: the upstream body
// converts to content "Hi", finish reason "stop" and usage 5/1/6.
func TestE1(t *testing.T) {
	body := []byte(`{"candidates":[{"content":{"parts":[{"text":"Hi"}],"role":"model"},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1,"totalTokenCount":6}}`)
	var upResp UpstreamResponse
	require.NoError(t, json.Unmarshal(body, &upResp))

	out := FromUpstreamResponse("chatcmpl-1", 0, "gemini-1.5-pro", &upResp)
	assert.Equal(t, "Hi", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", *out.Choices[0].FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, ChatUsage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}, *out.Usage)
}
