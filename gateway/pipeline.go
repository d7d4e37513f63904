package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	maxRetries       = 3
	maxContinuations = 3
	doneMarker       = "[done]"

	upstreamCallTimeout = 120 * time.Second
)

const antiTruncationInstruction = "When you have completed your full response, you must output [done] on a separate line at the very end. Only output [done] when your answer is complete."

var cooldownPattern = regexp.MustCompile(`(?i)(?:try again in|retry after|wait)\s+(\d+)\s*(?:seconds?|s)`)

// parseCooldownSeconds extracts the integer seconds count from an upstream
// error body, or 0 if unmatched.
func parseCooldownSeconds(body string) int {
	m := cooldownPattern.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// addAntiTruncationInstruction appends the anti-truncation sentinel to (or
// synthesizes) the request's system-instruction.
func addAntiTruncationInstruction(req *UpstreamRequest) {
	if req.SystemInstruction != nil && len(req.SystemInstruction.Parts) > 0 {
		last := len(req.SystemInstruction.Parts) - 1
		req.SystemInstruction.Parts[last].Text += "\n\n" + antiTruncationInstruction
		return
	}
	req.SystemInstruction = &UpstreamContent{
		Role:  "user",
		Parts: []UpstreamPart{{Text: antiTruncationInstruction}},
	}
}

// stripDoneMarker removes every occurrence of doneMarker from every text
// part of content, reporting whether any occurrence was found.
func stripDoneMarker(content *UpstreamContent) bool {
	found := false
	for i := range content.Parts {
		if strings.Contains(content.Parts[i].Text, doneMarker) {
			found = true
			content.Parts[i].Text = strings.ReplaceAll(content.Parts[i].Text, doneMarker, "")
		}
	}
	return found
}

// Pipeline orchestrates credential acquisition, upstream dispatch, retry,
// continuation, and response relay for both unary and streaming requests.
type Pipeline struct {
	Pool            *Pool
	Accountant      *Accountant
	Limiter         *InboundLimiter
	UpstreamBaseURL string
	HTTPClient      *http.Client
	Logger          Logger
}

// NewPipeline constructs a Pipeline with a default upstream HTTP client
// timeout of upstreamCallTimeout.
func NewPipeline(pool *Pool, accountant *Accountant, limiter *InboundLimiter, upstreamBaseURL string, logger Logger) *Pipeline {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Pipeline{
		Pool:            pool,
		Accountant:      accountant,
		Limiter:         limiter,
		UpstreamBaseURL: upstreamBaseURL,
		HTTPClient:      &http.Client{Timeout: upstreamCallTimeout},
		Logger:          logger,
	}
}

func backoffDelay(attempt int) time.Duration {
	return 100 * time.Millisecond * time.Duration(1<<uint(attempt))
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Unary drives a non-streaming chat completion end to end: credential
// acquisition, retry/cooldown handling, upstream conversion, and usage
// recording. It returns either a converted ChatResponse or a *GatewayError
// suitable for relaying to the caller as-is.
func (p *Pipeline) Unary(ctx context.Context, req *ChatRequest) (*ChatResponse, *GatewayError) {
	upstream := ToUpstream(req)
	addAntiTruncationInstruction(upstream)

	var lastErrText string
	var noCredentialErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := p.Limiter.Wait(ctx); err != nil {
			return nil, NewGatewayError(http.StatusServiceUnavailable, "inbound limiter: %v", err)
		}

		cred, err := p.Pool.Acquire(ctx, req.Model)
		if err != nil {
			noCredentialErr = err
			p.Logger.Warn(ctx, "unary: no credential available", F("attempt", attempt), F("model", req.Model))
			continue
		}

		start := time.Now()
		status, body, err := p.postUpstream(ctx, cred, req.Model, upstream)
		p.Accountant.RecordLatency(cred, time.Since(start))

		if err != nil {
			lastErrText = err.Error()
			p.sleep(ctx, backoffDelay(attempt))
			continue
		}

		switch {
		case status == 429 || status == 503:
			p.Pool.RecordError(cred, status, req.Model, parseCooldownSeconds(string(body)))
			lastErrText = string(body)
			p.sleep(ctx, backoffDelay(attempt))
			continue
		case status == 400 || status == 403:
			p.Pool.RecordError(cred, status, req.Model, 0)
			return nil, NewGatewayError(status, "%s", string(body))
		case status < 200 || status >= 300:
			return nil, NewGatewayError(status, "%s", string(body))
		}

		var upResp UpstreamResponse
		if err := json.Unmarshal(body, &upResp); err != nil {
			lastErrText = err.Error()
			continue
		}

		outputTokens := int64(0)
		if upResp.UsageMetadata != nil {
			outputTokens = int64(upResp.UsageMetadata.CandidatesTokenCount)
		}
		inputTokens := EstimateInputTokens(flattenMessages(req.Messages), 0)

		for i := range upResp.Candidates {
			stripDoneMarker(&upResp.Candidates[i].Content)
		}

		p.Accountant.Record(cred.ID, req.Model, inputTokens, outputTokens)

		resp := FromUpstreamResponse(NextChatCompletionID(), time.Now().Unix(), req.Model, &upResp)
		return resp, nil
	}

	if noCredentialErr != nil && lastErrText == "" {
		lastErrText = noCredentialErr.Error()
	}
	return nil, NewGatewayError(http.StatusBadGateway, "upstream exhausted after %d attempts: %s", maxRetries+1, lastErrText)
}

// postUpstream POSTs the unary upstream request and returns the response
// status and raw body.
func (p *Pipeline) postUpstream(ctx context.Context, cred *Credential, model string, upstream *UpstreamRequest) (int, []byte, error) {
	url := fmt.Sprintf("%s/v1/models/%s:generateContent", p.UpstreamBaseURL, model)

	payload, err := json.Marshal(upstream)
	if err != nil {
		return 0, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.BearerToken)

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// postUpstreamStream is like postUpstream but returns the live response
// for line-by-line draining instead of buffering the whole body.
func (p *Pipeline) postUpstreamStream(ctx context.Context, cred *Credential, model string, upstream *UpstreamRequest) (*http.Response, error) {
	url := fmt.Sprintf("%s/v1/models/%s:streamGenerateContent", p.UpstreamBaseURL, model)

	payload, err := json.Marshal(upstream)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.BearerToken)

	return p.HTTPClient.Do(httpReq)
}

func flattenMessages(messages []ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(flattenContent(m.Content))
	}
	return sb.String()
}

// sseWriter emits SSE "data: ..." events and flushes after each write.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) writeData(payload string) {
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseWriter) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeData(string(b))
}

// Stream drives a streaming chat completion, including anti-truncation
// continuations, over w as Server-Sent Events. Response headers must not
// yet be written when Stream is called; Stream sets the event-stream
// headers itself before writing any events.
func (p *Pipeline) Stream(ctx context.Context, w http.ResponseWriter, req *ChatRequest) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := newSSEWriter(w)

	original := ToUpstream(req)
	addAntiTruncationInstruction(original)

	var cred *Credential
	var collectedText string
	var lastOutputTokens int64

	id := NextChatCompletionID()
	created := time.Now().Unix()

	for continuation := 0; continuation <= maxContinuations; continuation++ {
		var upstream *UpstreamRequest
		if continuation == 0 {
			upstream = original
		} else {
			upstream = buildContinuation(original, collectedText)
		}

		var resp *http.Response
		var err error

		if continuation == 0 {
			for attempt := 0; attempt <= maxRetries; attempt++ {
				if lerr := p.Limiter.Wait(ctx); lerr != nil {
					sse.writeJSON(map[string]any{"error": lerr.Error()})
					return
				}
				cred, err = p.Pool.Acquire(ctx, req.Model)
				if err == nil {
					break
				}
				p.sleep(ctx, backoffDelay(attempt))
			}
			if cred == nil {
				sse.writeJSON(map[string]any{"error": ErrNoCredential.Error()})
				return
			}
		} else if lerr := p.Limiter.Wait(ctx); lerr != nil {
			sse.writeJSON(map[string]any{"error": lerr.Error()})
			return
		}

		start := time.Now()
		resp, err = p.postUpstreamStream(ctx, cred, req.Model, upstream)
		if err != nil {
			p.Accountant.RecordLatency(cred, time.Since(start))
			sse.writeJSON(map[string]any{"error": err.Error()})
			return
		}

		if resp.StatusCode == 429 || resp.StatusCode == 503 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			p.Accountant.RecordLatency(cred, time.Since(start))
			p.Pool.RecordError(cred, resp.StatusCode, req.Model, parseCooldownSeconds(string(body)))
			if swapped, swapErr := p.Pool.AcquireExcluding(ctx, req.Model, cred.ID); swapErr == nil {
				cred = swapped
			}
			p.sleep(ctx, backoffDelay(continuation))
			continue
		}
		if resp.StatusCode == 400 || resp.StatusCode == 403 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			p.Accountant.RecordLatency(cred, time.Since(start))
			p.Pool.RecordError(cred, resp.StatusCode, req.Model, 0)
			sse.writeJSON(map[string]any{"error": string(body)})
			return
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			p.Accountant.RecordLatency(cred, time.Since(start))
			sse.writeJSON(map[string]any{"error": string(body)})
			return
		}

		segmentFoundDone := p.drainStream(ctx, resp, id, created, req.Model, sse, &collectedText, &lastOutputTokens)
		resp.Body.Close()
		p.Accountant.RecordLatency(cred, time.Since(start))

		if segmentFoundDone {
			break
		}
	}

	sse.writeData("[DONE]")

	if cred != nil {
		inputTokens := EstimateInputTokens(flattenMessages(req.Messages), 0)
		p.Accountant.Record(cred.ID, req.Model, inputTokens, lastOutputTokens)
	}
}

// drainStream reads resp.Body line by line, relaying converted chunks to
// sse and accumulating collectedText/lastOutputTokens. Returns whether a
// [done] marker was observed in this segment.
func (p *Pipeline) drainStream(ctx context.Context, resp *http.Response, id string, created int64, model string, sse *sseWriter, collectedText *string, lastOutputTokens *int64) bool {
	foundDone := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return foundDone
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var chunk UpstreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}

		chunkText := ""
		for i := range chunk.Candidates {
			if stripDoneMarker(&chunk.Candidates[i].Content) {
				foundDone = true
			}
			for _, part := range chunk.Candidates[i].Content.Parts {
				chunkText += part.Text
			}
		}
		*collectedText += chunkText

		if chunk.UsageMetadata != nil {
			*lastOutputTokens = int64(chunk.UsageMetadata.CandidatesTokenCount)
		}

		canonical := FromUpstreamChunk(id, created, model, &chunk)
		b, err := json.Marshal(canonical)
		if err != nil {
			continue
		}
		sse.writeData(string(b))
	}

	return foundDone
}

// buildContinuation clones upstream and appends a model turn holding the
// text collected so far plus a user turn asking the model to continue.
func buildContinuation(upstream *UpstreamRequest, collectedText string) *UpstreamRequest {
	clone := upstream.Clone()

	runes := []rune(collectedText)
	tail := collectedText
	if len(runes) > 100 {
		tail = string(runes[len(runes)-100:])
	}

	continuationText := fmt.Sprintf(
		"Continue from where you left off. You have already output approximately %d characters ending with:\n\"...%s\"\n\nContinue:",
		len(runes), tail,
	)

	clone.Contents = append(clone.Contents,
		UpstreamContent{Role: "model", Parts: []UpstreamPart{{Text: collectedText}}},
		UpstreamContent{Role: "user", Parts: []UpstreamPart{{Text: continuationText}}},
	)
	return clone
}
