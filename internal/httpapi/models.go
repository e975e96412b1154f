package httpapi

import (
	"time"

	"github.com/valyala/fasthttp"
)

type (
	outboundModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	outboundModelList struct {
		Object string          `json:"object"`
		Data   []outboundModel `json:"data"`
	}
)

// handleListModels serves GET /v1/models, listing the logical aliases
// configured for the caller's tenant — not provider-native model IDs,
// since callers only ever address a mapping alias.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	tenantID := tenantIDFrom(ctx)

	aliases, err := s.pipeline.Router.ListAliases(ctx, tenantID)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	now := time.Now().Unix()
	data := make([]outboundModel, len(aliases))
	for i, alias := range aliases {
		data[i] = outboundModel{ID: alias, Object: "model", Created: now, OwnedBy: "gateway"}
	}
	s.writeJSON(ctx, fasthttp.StatusOK, outboundModelList{Object: "list", Data: data})
}
