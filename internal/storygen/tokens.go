package storygen

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingsMu sync.Mutex
	encodings   = map[string]*tiktoken.Tiktoken{}
)

// EstimateTokens counts tokens of s for model, falling back to a
// four-characters-per-token estimate when the model has no known encoding.
func EstimateTokens(model, s string) int {
	if s == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

func encodingFor(model string) *tiktoken.Tiktoken {
	encodingsMu.Lock()
	defer encodingsMu.Unlock()
	if enc, ok := encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = nil
	}
	// misses are cached too, EncodingForModel may hit the network
	encodings[model] = enc
	return enc
}
