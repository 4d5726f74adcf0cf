package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const classificationPrompt = `You classify messages from clients of an accounting firm arriving in group chats.
Answer with a single JSON object: {"classification": "REQUEST"|"SPAM"|"GRATITUDE"|"CLARIFICATION", "confidence": 0.0-1.0, "reasoning": "short explanation"}.
REQUEST: the client asks accounting staff to do something or answer a question.
SPAM: advertising or irrelevant content.
GRATITUDE: the client only expresses thanks or acknowledgement.
CLARIFICATION: the message is ambiguous and needs a human to decide.`

// ErrorCategory buckets terminal AI-call errors for metrics.
type ErrorCategory string

const (
	ErrTimeout   ErrorCategory = "timeout"
	ErrRateLimit ErrorCategory = "rate_limit"
	ErrParse     ErrorCategory = "parse_error"
	ErrAPI       ErrorCategory = "api_error"
)

// APIError is a failed AI classifier call with its metrics category and
// whether another attempt could plausibly succeed.
type APIError struct {
	Category  ErrorCategory
	Retryable bool
	Err       error
}

func (e *APIError) Error() string { return fmt.Sprintf("ai classifier %s: %v", e.Category, e.Err) }
func (e *APIError) Unwrap() error { return e.Err }

// AIClient calls the external chat-completions style classification endpoint.
type AIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewAIClient(baseURL, apiKey, model string, timeout time.Duration) *AIClient {
	return &AIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Verdict is the JSON object the model is instructed to return.
type Verdict struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

// Classify performs a single call. Transport failures, 429s and malformed
// output come back as *APIError so that the cascade can retry, categorize
// and record them on the breaker.
func (c *AIClient) Classify(ctx context.Context, text string) (Verdict, error) {
	reqBody := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: classificationPrompt},
			{Role: "user", Content: text},
		},
		Temperature: 0.1,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return Verdict{}, &APIError{Category: ErrAPI, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, &APIError{Category: ErrAPI, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Verdict{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, &APIError{Category: ErrAPI, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Verdict{}, &APIError{Category: ErrRateLimit, Retryable: true, Err: fmt.Errorf("status 429")}
	case resp.StatusCode >= 500:
		return Verdict{}, &APIError{Category: ErrAPI, Retryable: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	case resp.StatusCode != http.StatusOK:
		return Verdict{}, &APIError{Category: ErrAPI, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return Verdict{}, &APIError{Category: ErrParse, Retryable: true, Err: err}
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return Verdict{}, &APIError{Category: ErrParse, Retryable: true, Err: errors.New("empty completion")}
	}

	verdict, err := parseVerdict(completion.Choices[0].Message.Content)
	if err != nil {
		return Verdict{}, &APIError{Category: ErrParse, Retryable: true, Err: err}
	}
	return verdict, nil
}

// parseVerdict extracts the JSON verdict, tolerating models that wrap it in
// prose or code fences.
func parseVerdict(content string) (Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in completion: %q", content)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("malformed verdict: %w", err)
	}

	switch v.Classification {
	case "REQUEST", "SPAM", "GRATITUDE", "CLARIFICATION":
	default:
		return Verdict{}, fmt.Errorf("unknown classification %q", v.Classification)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return Verdict{}, fmt.Errorf("confidence %v out of range", v.Confidence)
	}
	return v, nil
}

func classifyTransportError(err error) *APIError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Category: ErrTimeout, Retryable: true, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Category: ErrTimeout, Retryable: true, Err: err}
	}
	// Connection refused, DNS failures and friends.
	return &APIError{Category: ErrAPI, Retryable: true, Err: err}
}
