package session

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is the BPE encoding used for token budgets.
const DefaultEncoding = "cl100k_base"

// messageOverhead approximates the role framing every chat message costs.
const messageOverhead = 4

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

type bpeCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter estimates four characters per token.
var HeuristicCounter Counter = CounterFunc(func(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
})

// NewCounter loads the named encoding, falling back to HeuristicCounter when
// the encoding cannot be loaded (for example without network access to fetch
// the BPE ranks).
func NewCounter(encoding string, log *zap.Logger) Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		if log != nil {
			log.Warn("token encoding unavailable, using character heuristic",
				zap.String("encoding", encoding), zap.Error(err))
		}
		return HeuristicCounter
	}
	return &bpeCounter{enc: enc}
}
