package speech

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/avolkov/voxsurvey/internal/model"
)

// PromptCache memoizes synthesized narration audio. Entries are keyed by
// (question index, voice fingerprint, exact text) and carry the
// generation the index had when synthesis started; Invalidate bumps the
// index's generation so stale audio can never be served after the
// narrated text for that question changes. Concurrent misses for one key
// collapse to a single synthesis call.
type PromptCache struct {
	synth   Synthesizer
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	gens    map[int]uint64

	group singleflight.Group
}

type cacheEntry struct {
	audio []byte
	gen   uint64
}

// NewPromptCache creates a cache over the given synthesizer. timeout
// bounds each synthesis call; 0 means no bound.
func NewPromptCache(synth Synthesizer, timeout time.Duration) *PromptCache {
	return &PromptCache{
		synth:   synth,
		timeout: timeout,
		entries: make(map[string]cacheEntry),
		gens:    make(map[int]uint64),
	}
}

// GetOrSynthesize returns cached audio for the exact (index, text, voice)
// triple, synthesizing on a miss. Synthesis failures are returned to the
// caller; nothing is cached for a failed call.
func (c *PromptCache) GetOrSynthesize(ctx context.Context, index int, text string, voice model.VoiceConfig) ([]byte, error) {
	key := cacheKey(index, text, voice)

	c.mu.Lock()
	gen := c.gens[index]
	if e, ok := c.entries[key]; ok {
		if e.gen == gen {
			c.mu.Unlock()
			return e.audio, nil
		}
		// Stale entry from a flight that raced an invalidation.
		delete(c.entries, key)
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent flight may have filled the entry already.
		c.mu.Lock()
		gen := c.gens[index]
		if e, ok := c.entries[key]; ok && e.gen == gen {
			c.mu.Unlock()
			return e.audio, nil
		}
		c.mu.Unlock()

		sctx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		audio, err := c.synth.Synthesize(sctx, text, voice)
		if err != nil {
			return nil, err
		}

		// Store against the generation captured before synthesis: an
		// invalidation racing with the call leaves this entry stale.
		c.mu.Lock()
		c.entries[key] = cacheEntry{audio: audio, gen: gen}
		c.mu.Unlock()
		return audio, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate drops all cached audio for a question index. Other indices
// keep their entries. The generation bump also strands any synthesis
// already in flight for the index, so its result is never served.
func (c *PromptCache) Invalidate(index int) {
	prefix := strconv.Itoa(index) + "|"
	c.mu.Lock()
	c.gens[index]++
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func cacheKey(index int, text string, voice model.VoiceConfig) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%d|%s|%x", index, voice.Fingerprint(), sum)
}
