package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

//nolint:gochecknoglobals
var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// encodingFor returns the tokenizer for model, falling back to cl100k_base
// for models tiktoken does not know. It returns nil if no encoding loads.
func encodingFor(model string) *tiktoken.Tiktoken {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	encodingCache[model] = enc
	return enc
}

// EstimateTokens counts the tokens of texts for backends that do not report
// usage. Without a tokenizer it assumes four characters per token.
func EstimateTokens(model string, texts ...string) int {
	enc := encodingFor(model)
	total := 0
	for _, t := range texts {
		if enc == nil {
			total += (len(t) + 3) / 4
			continue
		}
		total += len(enc.Encode(t, nil, nil))
	}
	return total
}
