// Package billing implements the usage/cost calculator and the ledger
// that records every billed request.
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

// million is the token-rate divisor: ModelCost quotes input/output cost per
// 1e6 tokens.
var million = decimal.NewFromInt(1_000_000)

// bytesPerSecondFallback estimates transcription duration from payload size
// when a provider omits it.
const bytesPerSecondFallback = 16000

// ChatUsage is the token usage a chat/completions call reports.
type ChatUsage struct {
	InputTokens  int
	OutputTokens int
}

// AudioUsage is the duration a transcription/realtime call consumed.
type AudioUsage struct {
	Seconds float64
	// Bytes is the raw upload size, used only when the provider didn't
	// report a duration.
	Bytes int64
}

// TextUsage is the character count a TTS call consumed.
type TextUsage struct {
	Characters int
}

// ImageUsage is the image count an image-generation call produced.
type ImageUsage struct {
	Count int
}

// Chat computes input_tokens/1e6*input_rate + output_tokens/1e6*output_rate.
func Chat(cost catalog.ModelCost, usage ChatUsage) decimal.Decimal {
	input := decimal.NewFromInt(int64(usage.InputTokens)).Div(million).Mul(cost.InputCostPerM)
	output := decimal.NewFromInt(int64(usage.OutputTokens)).Div(million).Mul(cost.OutputCostPerM)
	return input.Add(output)
}

// Transcription computes audio_seconds * per_second_rate, estimating the
// duration from upload size when the provider didn't report one.
func Transcription(cost catalog.ModelCost, usage AudioUsage) decimal.Decimal {
	seconds := usage.Seconds
	if seconds <= 0 && usage.Bytes > 0 {
		seconds = float64(usage.Bytes) / bytesPerSecondFallback
	}
	return decimal.NewFromFloat(seconds).Mul(cost.PerSecondRate)
}

// TextToSpeech computes characters * per_character_rate.
func TextToSpeech(cost catalog.ModelCost, usage TextUsage) decimal.Decimal {
	return decimal.NewFromInt(int64(usage.Characters)).Mul(cost.PerCharacterRate)
}

// Realtime computes (input_seconds + output_seconds) * per_second_rate,
// plus any token-based cost the session also accrued (e.g. function-calling
// turns billed like chat tokens).
func Realtime(cost catalog.ModelCost, audio AudioUsage, tokens ChatUsage) decimal.Decimal {
	duration := decimal.NewFromFloat(audio.Seconds).Mul(cost.PerSecondRate)
	return duration.Add(Chat(cost, tokens))
}

// ImageGeneration computes count * per_image_rate.
func ImageGeneration(cost catalog.ModelCost, usage ImageUsage) decimal.Decimal {
	return decimal.NewFromInt(int64(usage.Count)).Mul(cost.PerImageRate)
}
