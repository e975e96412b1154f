package httpapi

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// handleRealtime upgrades GET /v1/realtime to a duplex WebSocket carrying
// raw binary audio frames, bridging fasthttp to the net/http-shaped
// WebSocket accept via fasthttpadaptor since coder/websocket only speaks
// net/http.
func (s *Server) handleRealtime(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)
	tenantID := tenantIDFrom(ctx)
	bearer := bearerTokenFrom(ctx)
	model := string(ctx.QueryArgs().Peek("model"))
	voice := string(ctx.QueryArgs().Peek("voice"))

	if model == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "query param 'model' is required").WithParam("model"))
		return
	}
	if !s.checkRateLimit(ctx, rateLimitKeyFrom(bearer)) {
		s.writeError(ctx, rateLimitError())
		return
	}

	fasthttpadaptor.NewFastHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serveRealtimeSocket(w, r, tenantID, bearer, model, voice, reqID)
	}))(ctx)
}

func (s *Server) serveRealtimeSocket(w http.ResponseWriter, r *http.Request, tenantID, bearer, model, voice, reqID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session closed")

	ctx := r.Context()
	session, err := s.pipeline.OpenRealtimeSession(ctx, pipeline.RealtimeRequest{
		TenantID:        tenantID,
		BearerToken:     bearer,
		Model:           model,
		Voice:           voice,
		RequestID:       reqID,
		MaxCostEstimate: decimal.Zero,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "failed to open session")
		return
	}
	defer session.Close()

	errs := make(chan error, 2)
	go pumpInbound(ctx, conn, session, errs)
	go pumpOutbound(ctx, conn, session, errs)
	<-errs

	conn.Close(websocket.StatusNormalClosure, "done")
}

// pumpInbound forwards audio frames read from the client socket into the
// provider session.
func pumpInbound(ctx context.Context, conn *websocket.Conn, session *pipeline.RealtimeSession, errs chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			errs <- err
			return
		}
		if err := session.Send(ctx, data); err != nil {
			errs <- err
			return
		}
	}
}

// pumpOutbound forwards audio frames produced by the provider session back
// to the client socket.
func pumpOutbound(ctx context.Context, conn *websocket.Conn, session *pipeline.RealtimeSession, errs chan<- error) {
	for {
		data, err := session.Receive(ctx)
		if err != nil {
			errs <- err
			return
		}
		if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
			errs <- err
			return
		}
	}
}
