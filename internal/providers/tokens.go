package providers

import (
	"github.com/pkoukk/tiktoken-go"
)

// CountTokens counts tokens for a prompt using the model's tokenizer,
// falling back to cl100k_base for models tiktoken does not know, and to
// a 4-chars-per-token approximation if no encoding loads at all.
func CountTokens(model, text string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
