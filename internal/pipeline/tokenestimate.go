package pipeline

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// estimateEncoding is the encoding used to size a reservation before a
// request is routed to a concrete provider/model. cl100k_base is close
// enough across the gateway's whole provider mix that a per-provider
// tokenizer isn't worth the added bookkeeping at reservation time; the
// committed cost always uses the provider's own reported usage, never
// this estimate.
const estimateEncoding = "cl100k_base"

var (
	estimateEncOnce sync.Once
	estimateEnc     *tiktoken.Tiktoken
	estimateEncErr  error
)

func getEstimateEncoding() (*tiktoken.Tiktoken, error) {
	estimateEncOnce.Do(func() {
		estimateEnc, estimateEncErr = tiktoken.GetEncoding(estimateEncoding)
	})
	return estimateEnc, estimateEncErr
}

// estimateInputTokens counts the tokens a chat request's messages will cost
// on the wire, using the <|start|>role\ncontent<|end|>\n per-message
// accounting tiktoken's own chat cookbook documents.
func estimateInputTokens(messages []providers.Message) int {
	enc, err := getEstimateEncoding()
	if err != nil {
		return estimateInputTokensFallback(messages)
	}

	total := 3 // every reply is primed with <|start|>assistant<|end|>
	for _, m := range messages {
		total += 4
		total += len(enc.Encode(m.Content, nil, nil))
		total += len(enc.Encode(m.Role, nil, nil))
	}
	return total
}

// estimateInputTokensFallback approximates token count from character count
// (roughly 4 characters per token in English text) when the tiktoken
// encoding can't be loaded.
func estimateInputTokensFallback(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content) + len(m.Role)
	}
	return chars/4 + len(messages)*4 + 3
}
