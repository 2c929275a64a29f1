package surface

import (
	"context"
	"strings"
	"time"
)

// SplitChunks breaks text into pieces of at most limit runes, preferring
// word boundaries so a handoff transcript stays readable.
func SplitChunks(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= limit {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == ' ' || runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}

	result := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			result = append(result, c)
		}
	}
	return result
}

// SendChunked posts text into a thread in word-boundary chunks, pausing
// between sends so the platform rate limiter is not tripped by a long
// transcript. A rate-limited chunk waits out the advertised delay and is
// retried once.
func SendChunked(ctx context.Context, client Client, chatID, threadID int64, text string, limit int, delay time.Duration) error {
	chunks := SplitChunks(text, limit)
	for i, chunk := range chunks {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		_, err := client.SendMessageTo(ctx, chatID, threadID, chunk)
		if wait, limited := RetryDelay(err); limited {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			_, err = client.SendMessageTo(ctx, chatID, threadID, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
