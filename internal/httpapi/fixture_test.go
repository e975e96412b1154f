package httpapi

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/vkey"
)

// fakeProvider implements providers.Provider plus every optional
// multi-modal interface, so a single fake can exercise every route.
type fakeProvider struct {
	name string

	chatResp  *providers.ProxyResponse
	chatErr   error
	embedResp *providers.EmbeddingResponse
	imageResp *providers.ImageResponse
	transResp *providers.AudioTranscriptionResponse
	speakResp *providers.TextToSpeechResponse

	healthErr error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.chatResp, nil
}

func (f *fakeProvider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return f.embedResp, nil
}

func (f *fakeProvider) GenerateImage(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResponse, error) {
	return f.imageResp, nil
}

func (f *fakeProvider) Transcribe(ctx context.Context, req *providers.AudioTranscriptionRequest) (*providers.AudioTranscriptionResponse, error) {
	return f.transResp, nil
}

func (f *fakeProvider) Speak(ctx context.Context, req *providers.TextToSpeechRequest) (*providers.TextToSpeechResponse, error) {
	return f.speakResp, nil
}

// newTestServer wires a Server around an in-memory catalog with one tenant
// ("t1"), one enabled mapping for alias "alias1" pointing at prov, and one
// virtual key authenticated by bearer token "sk-test".
func newTestServer(t *testing.T, caps catalog.Capabilities, cost *catalog.ModelCost, prov *fakeProvider) *Server {
	t.Helper()
	store := catalog.NewMemoryStore()
	store.RegisterProvider(
		catalog.Provider{ID: "prov-1", Type: catalog.ProviderGroq, Enabled: true},
		catalog.ProviderKey{ID: "k1", ProviderID: "prov-1", APIKey: "sk-upstream", Primary: true, Enabled: true},
	)
	store.RegisterMapping(catalog.ModelMapping{
		ID: "m1", TenantID: "t1", Alias: "alias1", ProviderID: "prov-1",
		ProviderModelID: "provider-model-1", Capabilities: caps, Priority: 10, Enabled: true,
	}, cost)
	store.RegisterGroup(catalog.VirtualKeyGroup{ID: "g1", Balance: decimal.NewFromInt(1000)})
	store.RegisterVirtualKey(catalog.VirtualKey{ID: "vk1", HashedToken: vkey.HashToken("sk-test"), GroupID: "g1"})

	vks := vkey.New(store, store)
	t.Cleanup(vks.Close)

	p := &pipeline.Pipeline{
		VKeys:     vks,
		Router:    router.New(store, store, nil),
		Providers: map[string]providers.Provider{"prov-1": prov},
		Costs:     store,
	}

	return New(p, Options{BaseCtx: context.Background()})
}
