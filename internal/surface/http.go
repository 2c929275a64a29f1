package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a platform gateway over a small JSON RPC surface:
// one POST per operation, message and thread ids in the response, failure
// kind and retry delay in the error body.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
	logger  *log.Logger
}

func NewHTTPClient(baseURL string, logger *log.Logger) *HTTPClient {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type gatewayResult struct {
	MessageID int64 `json:"message_id"`
	ThreadID  int64 `json:"thread_id"`
}

type gatewayError struct {
	Kind         string `json:"kind"`
	Error        string `json:"error"`
	RetryAfterMS int    `json:"retry_after_ms"`
}

func (c *HTTPClient) call(ctx context.Context, op string, payload any) (gatewayResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gatewayResult{}, fmt.Errorf("marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return gatewayResult{}, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return gatewayResult{}, NewError(KindUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ge gatewayError
		_ = json.NewDecoder(resp.Body).Decode(&ge)
		kind := classifyKind(ge.Kind, resp.StatusCode)
		serr := &Error{Kind: kind, Op: op, Err: fmt.Errorf("%s", ge.Error)}
		if kind == KindRateLimited && ge.RetryAfterMS > 0 {
			serr.RetryAfter = time.Duration(ge.RetryAfterMS) * time.Millisecond
		}
		return gatewayResult{}, serr
	}

	var result gatewayResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return gatewayResult{}, fmt.Errorf("decode %s response: %w", op, err)
	}
	return result, nil
}

func classifyKind(kind string, status int) ErrorKind {
	switch kind {
	case string(KindNotFound), string(KindForbidden), string(KindRateLimited), string(KindUnavailable):
		return ErrorKind(kind)
	}
	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusTooManyRequests:
		return KindRateLimited
	}
	return KindUnavailable
}

func (c *HTTPClient) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	res, err := c.call(ctx, "send_message", map[string]any{"chat_id": chatID, "text": text})
	return res.MessageID, err
}

func (c *HTTPClient) SendMessageTo(ctx context.Context, chatID, threadID int64, text string) (int64, error) {
	res, err := c.call(ctx, "send_message", map[string]any{"chat_id": chatID, "thread_id": threadID, "text": text})
	return res.MessageID, err
}

func (c *HTTPClient) SendReply(ctx context.Context, chatID, replyToMessageID int64, text string) (int64, error) {
	res, err := c.call(ctx, "send_message", map[string]any{"chat_id": chatID, "reply_to": replyToMessageID, "text": text})
	return res.MessageID, err
}

func (c *HTTPClient) CopyMessage(ctx context.Context, fromChatID, messageID, toChatID, toThreadID int64) (int64, error) {
	res, err := c.call(ctx, "copy_message", map[string]any{
		"from_chat_id": fromChatID, "message_id": messageID,
		"to_chat_id": toChatID, "to_thread_id": toThreadID,
	})
	return res.MessageID, err
}

func (c *HTTPClient) ForwardMessage(ctx context.Context, fromChatID, messageID, toChatID int64) (int64, error) {
	res, err := c.call(ctx, "forward_message", map[string]any{
		"from_chat_id": fromChatID, "message_id": messageID, "to_chat_id": toChatID,
	})
	return res.MessageID, err
}

func (c *HTTPClient) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	_, err := c.call(ctx, "edit_message_text", map[string]any{"chat_id": chatID, "message_id": messageID, "text": text})
	return err
}

func (c *HTTPClient) EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string) error {
	_, err := c.call(ctx, "edit_message_caption", map[string]any{"chat_id": chatID, "message_id": messageID, "caption": caption})
	return err
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.call(ctx, "delete_message", map[string]any{"chat_id": chatID, "message_id": messageID})
	return err
}

func (c *HTTPClient) PinMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.call(ctx, "pin_message", map[string]any{"chat_id": chatID, "message_id": messageID})
	return err
}

func (c *HTTPClient) CreateThread(ctx context.Context, chatID int64, name string) (int64, error) {
	res, err := c.call(ctx, "create_thread", map[string]any{"chat_id": chatID, "name": name})
	return res.ThreadID, err
}

func (c *HTTPClient) ReopenThread(ctx context.Context, chatID, threadID int64) error {
	_, err := c.call(ctx, "reopen_thread", map[string]any{"chat_id": chatID, "thread_id": threadID})
	return err
}

func (c *HTTPClient) CloseThread(ctx context.Context, chatID, threadID int64) error {
	_, err := c.call(ctx, "close_thread", map[string]any{"chat_id": chatID, "thread_id": threadID})
	return err
}

func (c *HTTPClient) RenameThread(ctx context.Context, chatID, threadID int64, name string) error {
	_, err := c.call(ctx, "rename_thread", map[string]any{"chat_id": chatID, "thread_id": threadID, "name": name})
	return err
}
