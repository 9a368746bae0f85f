package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/camden-git/photofacets/query"
)

// Searcher runs a validated query.
type Searcher interface {
	Execute(ctx context.Context, f query.Filters) (query.Result, error)
}

type SearchHandler struct {
	Exec Searcher
	Log  logrus.FieldLogger
}

// searchResponse omits the full item rows unless asked for.
type searchResponse struct {
	Total int         `json:"total"`
	Rows  []query.Row `json:"rows"`
	Plan  query.Plan  `json:"plan"`
}

func paramsFromQuery(v url.Values) (query.Params, error) {
	p := query.Params{
		Object:        v.Get("object"),
		Semantic:      v.Get("semantic"),
		SemanticModel: v.Get("model"),
		Text:          v.Get("text"),
		DateFrom:      v.Get("date_from"),
		DateTo:        v.Get("date_to"),
	}
	var err error
	if s := v.Get("min_confidence"); s != "" {
		if p.MinConfidence, err = strconv.ParseFloat(s, 64); err != nil {
			return p, badArgument("min_confidence", s)
		}
	}
	if s := v.Get("limit"); s != "" {
		if p.Limit, err = strconv.Atoi(s); err != nil {
			return p, badArgument("limit", s)
		}
	}
	if s := v.Get("top_k"); s != "" {
		if p.TopK, err = strconv.Atoi(s); err != nil {
			return p, badArgument("top_k", s)
		}
	}
	if s := v.Get("radius"); s != "" {
		r, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return p, badArgument("radius", s)
		}
		p.RadiusKm = &r
	}
	lat, lon := v.Get("lat"), v.Get("lon")
	if lat != "" || lon != "" {
		p.Location = lat + "," + lon
	}
	return p, nil
}

type argumentError struct {
	name, value string
}

func (e *argumentError) Error() string {
	return "invalid value " + strconv.Quote(e.value) + " for " + e.name
}

func badArgument(name, value string) error {
	return &argumentError{name: name, value: value}
}

// Search handles GET /api/search.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	p, err := paramsFromQuery(r.URL.Query())
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}
	f, err := p.Filters()
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	res, err := h.Exec.Execute(r.Context(), f)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if r.URL.Query().Get("items") != "true" {
		for i := range res.Rows {
			res.Rows[i].Item = nil
		}
	}
	writeJSON(w, h.Log, http.StatusOK, searchResponse{Total: res.Total, Rows: res.Rows, Plan: res.Plan})
}
