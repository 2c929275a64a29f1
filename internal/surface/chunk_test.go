package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSplitChunksPrefersWordBoundaries(t *testing.T) {
	text := strings.Repeat("word ", 100)
	chunks := SplitChunks(text, 48)
	if len(chunks) < 2 {
		t.Fatalf("chunks=%d, expected the text to be split", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 48 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		for _, token := range strings.Fields(c) {
			if token != "word" {
				t.Fatalf("chunk %d broke mid-word: %q", i, c)
			}
		}
	}
	joined := strings.Join(chunks, " ")
	if strings.ReplaceAll(joined, " ", "") != strings.ReplaceAll(text, " ", "") {
		t.Fatalf("chunks lost content")
	}
}

func TestSplitChunksShortTextIsSinglePiece(t *testing.T) {
	chunks := SplitChunks("short message", 100)
	if len(chunks) != 1 || chunks[0] != "short message" {
		t.Fatalf("chunks=%v want single untouched piece", chunks)
	}
	if got := SplitChunks("   ", 100); len(got) != 0 {
		t.Fatalf("blank text produced chunks: %v", got)
	}
}

type chunkClient struct {
	sent        []string
	failuresFor map[int]error
	calls       int
}

func (c *chunkClient) SendMessageTo(_ context.Context, _, _ int64, text string) (int64, error) {
	c.calls++
	if err, ok := c.failuresFor[c.calls]; ok {
		delete(c.failuresFor, c.calls)
		return 0, err
	}
	c.sent = append(c.sent, text)
	return int64(c.calls), nil
}

func (c *chunkClient) SendMessage(context.Context, int64, string) (int64, error) { return 0, nil }
func (c *chunkClient) SendReply(context.Context, int64, int64, string) (int64, error) {
	return 0, nil
}
func (c *chunkClient) CopyMessage(context.Context, int64, int64, int64, int64) (int64, error) {
	return 0, nil
}
func (c *chunkClient) ForwardMessage(context.Context, int64, int64, int64) (int64, error) {
	return 0, nil
}
func (c *chunkClient) EditMessageText(context.Context, int64, int64, string) error    { return nil }
func (c *chunkClient) EditMessageCaption(context.Context, int64, int64, string) error { return nil }
func (c *chunkClient) DeleteMessage(context.Context, int64, int64) error              { return nil }
func (c *chunkClient) PinMessage(context.Context, int64, int64) error                 { return nil }
func (c *chunkClient) CreateThread(context.Context, int64, string) (int64, error)     { return 0, nil }
func (c *chunkClient) ReopenThread(context.Context, int64, int64) error               { return nil }
func (c *chunkClient) CloseThread(context.Context, int64, int64) error                { return nil }
func (c *chunkClient) RenameThread(context.Context, int64, int64, string) error       { return nil }

func TestSendChunkedRetriesRateLimitedChunkOnce(t *testing.T) {
	client := &chunkClient{failuresFor: map[int]error{
		2: &Error{Kind: KindRateLimited, Op: "send_message", RetryAfter: time.Millisecond},
	}}
	text := strings.Repeat("word ", 30)
	if err := SendChunked(context.Background(), client, -1, 7, text, 48, time.Millisecond); err != nil {
		t.Fatalf("send chunked: %v", err)
	}
	if len(client.sent) < 2 {
		t.Fatalf("sent=%d chunks, expected the text to span several", len(client.sent))
	}
	if client.calls != len(client.sent)+1 {
		t.Fatalf("calls=%d sent=%d, expected exactly one retry", client.calls, len(client.sent))
	}
	joined := strings.Join(client.sent, " ")
	if strings.ReplaceAll(joined, " ", "") != strings.ReplaceAll(text, " ", "") {
		t.Fatalf("retry lost content")
	}
}

func TestSendChunkedGivesUpOnHardFailure(t *testing.T) {
	client := &chunkClient{failuresFor: map[int]error{
		1: NewError(KindForbidden, "send_message", errors.New("bot was kicked")),
	}}
	err := SendChunked(context.Background(), client, -1, 7, strings.Repeat("word ", 30), 48, 0)
	if !IsForbidden(err) {
		t.Fatalf("err=%v, expected the forbidden failure to surface", err)
	}
	if len(client.sent) != 0 {
		t.Fatalf("sent=%v, nothing should be delivered after a hard failure", client.sent)
	}
}

func TestErrorClassification(t *testing.T) {
	base := fmt.Errorf("wrapped: %w", NewError(KindNotFound, "delete_message", errors.New("message to delete not found")))
	if !IsNotFound(base) {
		t.Fatalf("expected not-found classification through wrapping")
	}
	if IsForbidden(base) {
		t.Fatalf("not-found must not classify as forbidden")
	}

	limited := &Error{Kind: KindRateLimited, Op: "send_message", RetryAfter: 3 * time.Second}
	delay, ok := RetryDelay(limited)
	if !ok || delay != 3*time.Second {
		t.Fatalf("retry delay=%v ok=%v want 3s", delay, ok)
	}
	if _, ok := RetryDelay(errors.New("plain")); ok {
		t.Fatalf("plain error must not report a retry delay")
	}
}
