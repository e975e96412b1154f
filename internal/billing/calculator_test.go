package billing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestChat_GroqHappyPath(t *testing.T) {
	// 0.20/M in and out, prompt_tokens>=7,
	// completion_tokens>=1; balance decreases by exactly
	// (prompt+completion)/1e6*0.20 within 1e-6.
	cost := catalog.ModelCost{InputCostPerM: dec("0.20"), OutputCostPerM: dec("0.20")}
	got := Chat(cost, ChatUsage{InputTokens: 7, OutputTokens: 3})

	expected := decimal.NewFromInt(10).Div(million).Mul(dec("0.20"))
	if !got.Equal(expected) {
		t.Fatalf("chat cost = %s, want %s", got, expected)
	}
}

func TestChat_ZeroUsageIsZeroCost(t *testing.T) {
	cost := catalog.ModelCost{InputCostPerM: dec("5"), OutputCostPerM: dec("15")}
	got := Chat(cost, ChatUsage{})
	if !got.IsZero() {
		t.Fatalf("cost = %s, want 0", got)
	}
}

func TestTranscription_FallsBackToByteEstimate(t *testing.T) {
	cost := catalog.ModelCost{PerSecondRate: dec("0.006")}
	got := Transcription(cost, AudioUsage{Bytes: 16000}) // 1 second at the 16000 B/s fallback rate
	want := dec("0.006")
	if !got.Equal(want) {
		t.Fatalf("transcription cost = %s, want %s", got, want)
	}
}

func TestTranscription_UsesReportedDurationWhenPresent(t *testing.T) {
	cost := catalog.ModelCost{PerSecondRate: dec("0.01")}
	got := Transcription(cost, AudioUsage{Seconds: 2.5, Bytes: 999999})
	want := dec("0.025")
	if !got.Equal(want) {
		t.Fatalf("transcription cost = %s, want %s", got, want)
	}
}

func TestTextToSpeech(t *testing.T) {
	cost := catalog.ModelCost{PerCharacterRate: dec("0.00003")}
	got := TextToSpeech(cost, TextUsage{Characters: 1000})
	want := dec("0.03")
	if !got.Equal(want) {
		t.Fatalf("tts cost = %s, want %s", got, want)
	}
}

func TestImageGeneration(t *testing.T) {
	cost := catalog.ModelCost{PerImageRate: dec("0.04")}
	got := ImageGeneration(cost, ImageUsage{Count: 3})
	want := dec("0.12")
	if !got.Equal(want) {
		t.Fatalf("image cost = %s, want %s", got, want)
	}
}

func TestRealtime_CombinesAudioAndTokenCost(t *testing.T) {
	cost := catalog.ModelCost{PerSecondRate: dec("0.01"), InputCostPerM: dec("1"), OutputCostPerM: dec("2")}
	got := Realtime(cost, AudioUsage{Seconds: 10}, ChatUsage{InputTokens: 500_000, OutputTokens: 250_000})
	// audio: 10 * 0.01 = 0.10; tokens: 0.5*1 + 0.25*2 = 1.0; total 1.10
	want := dec("1.10")
	if !got.Equal(want) {
		t.Fatalf("realtime cost = %s, want %s", got, want)
	}
}
