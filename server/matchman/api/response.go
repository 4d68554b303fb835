package api

import (
	"net/http"

	"skilltrade_server/server/common/transport/httpresp"
	"skilltrade_server/server/matchman/domain"
	matchservice "skilltrade_server/server/matchman/service"
)

type SearchResponse struct {
	Results []domain.SearchResult `json:"results"`
}

type RebuildResponse struct {
	OK bool `json:"ok"`
	domain.RebuildResult
}

func statusForKind(kind matchservice.Kind) int {
	switch kind {
	case matchservice.KindValidation:
		return http.StatusBadRequest
	case matchservice.KindEmbeddingProvider:
		return http.StatusBadGateway
	case matchservice.KindStoreCorruption, matchservice.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) (int, httpresp.ErrorResponse) {
	kind := matchservice.KindOf(err)
	code := string(kind)
	if code == "" {
		code = string(matchservice.KindStorage)
	}
	return statusForKind(kind), httpresp.NewCodedErrorResponse(err.Error(), code)
}
