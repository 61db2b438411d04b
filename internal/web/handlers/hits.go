package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/ledger"
)

// HitsHandler serves the hit ledger of the output directory.
type HitsHandler struct {
	path string
}

// NewHitsHandler creates a hits handler for the ledger at outputDir/name. An
// empty outputDir serves an empty list.
func NewHitsHandler(outputDir, name string) *HitsHandler {
	h := &HitsHandler{}
	if outputDir != "" {
		h.path = filepath.Join(outputDir, name)
	}
	return h
}

// HitsResponse is the body of GET /hits.
type HitsResponse struct {
	Hits  []ledger.Hit `json:"hits"`
	Total int          `json:"total"`
}

// List handles GET /api/v1/hits. Query parameters: person (matched after name
// normalisation) and limit.
func (h *HitsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := constants.DefaultHitsPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	resp := HitsResponse{Hits: []ledger.Hit{}}
	if h.path == "" {
		respondJSON(w, http.StatusOK, resp)
		return
	}

	hits, err := ledger.Read(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondJSON(w, http.StatusOK, resp)
			return
		}
		respondError(w, http.StatusInternalServerError, "reading hits: "+err.Error())
		return
	}

	if person := r.URL.Query().Get("person"); person != "" {
		want := facematch.NormalizePersonName(person)
		filtered := hits[:0]
		for _, hit := range hits {
			if facematch.NormalizePersonName(hit.Person) == want {
				filtered = append(filtered, hit)
			}
		}
		hits = filtered
	}

	resp.Total = len(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	resp.Hits = append(resp.Hits, hits...)
	respondJSON(w, http.StatusOK, resp)
}
