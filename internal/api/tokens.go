package api

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultTokenCacheSize bounds the number of cached message counts.
const DefaultTokenCacheSize = 4096

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// TokenCounter estimates prompt sizes with the cl100k_base encoding. The
// encoding is loaded on first use; when it is unavailable a character
// heuristic is used instead.
type TokenCounter struct {
	once   sync.Once
	encode func(string) int
	cache  *lru.Cache[string, int]
}

// NewTokenCounter creates a counter caching up to size message counts.
func NewTokenCounter(size int) *TokenCounter {
	if size <= 0 {
		size = DefaultTokenCacheSize
	}
	// lru.New only errors on non-positive size which we guard above.
	cache, _ := lru.New[string, int](size)
	return &TokenCounter{cache: cache}
}

func (c *TokenCounter) init() {
	c.once.Do(func() {
		if c.encode != nil {
			return
		}
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.encode = EstimateFast
			return
		}
		c.encode = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	})
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])
	if n, ok := c.cache.Get(key); ok {
		return n
	}
	c.init()
	n := c.encode(text)
	c.cache.Add(key, n)
	return n
}

// CountRequest estimates the input tokens of a full request.
func (c *TokenCounter) CountRequest(req Request) int {
	total := c.Count(req.System)
	for _, m := range req.Messages {
		total += c.Count(m.Content) + perMessageOverhead
	}
	return total
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word_count).
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
