// Package streamer serves model artifact downloads, resolving a requested
// version through the Model Registry and choosing between a 302 redirect
// (preferred, avoids buffering large artifacts) and a buffered
// octet-stream response (fallback, when the blob layer can't mint a
// direct URL).
package streamer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aiforge/aggregator/internal/httpjson"
	"github.com/aiforge/aggregator/internal/registry"
	"github.com/go-chi/chi/v5"
)

// Resolver is the narrow interface the Streamer depends on — satisfied by
// *registry.Registry.
type Resolver interface {
	ResolveForDownload(ctx context.Context, version string) (registry.Resolution, error)
}

// Handler returns the chi-route handler for GET /api/ai/models/{version}.
func Handler(r Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		version := chi.URLParam(req, "version")
		if version == "" {
			httpjson.Fail(w, http.StatusBadRequest, "missing model version")
			return
		}

		res, err := r.ResolveForDownload(req.Context(), version)
		if err != nil {
			httpjson.FailError(w, err)
			return
		}

		switch res.Kind {
		case registry.KindStream:
			http.Redirect(w, req, res.DirectURL, http.StatusFound)
		case registry.KindBytes:
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, res.Filename))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(res.Bytes)
		default:
			httpjson.Fail(w, http.StatusNotFound, "model version not found")
		}
	}
}
