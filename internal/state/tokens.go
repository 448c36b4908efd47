package state

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/miniclaw/internal/transcript"
)

// TokenCounter estimates how much context a transcript occupies. The
// encoding is loaded lazily on first use.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTokenCounter creates a counter using the cl100k_base encoding.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) (int, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
	if c.err != nil {
		return 0, fmt.Errorf("get tokenizer: %w", c.err)
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}

// CountTranscript counts the text content of a transcript file.
func (c *TokenCounter) CountTranscript(path string) (int, error) {
	return c.Count(transcript.Text(path))
}
