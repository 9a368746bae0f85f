package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/camden-git/photofacets/query"
	"github.com/camden-git/photofacets/repository"
	"github.com/camden-git/photofacets/vectorindex"
)

// Error codes returned in APIErrorDetail.Code.
const (
	CodeInvalidFilter   = "invalid_filter"
	CodeEmptyFilters    = "empty_filters"
	CodeUnknownModel    = "unknown_model_version"
	CodeDimension       = "dimension_mismatch"
	CodeNoEmbedder      = "no_text_embedder"
	CodeNotFound        = "not_found"
	CodeInvalidArgument = "invalid_argument"
	CodeInternal        = "internal_error"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// writeError maps domain errors to API errors. Anything unrecognized is
// logged and reported as an internal error without its message.
func writeError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	switch {
	case errors.Is(err, query.ErrEmptyFilters):
		WriteAPIError(w, http.StatusBadRequest, CodeEmptyFilters, err.Error())
	case errors.Is(err, query.ErrInvalidFilter):
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidFilter, err.Error())
	case errors.Is(err, vectorindex.ErrUnknownModelVersion):
		WriteAPIError(w, http.StatusBadRequest, CodeUnknownModel, err.Error())
	case errors.Is(err, vectorindex.ErrDimensionMismatch), errors.Is(err, vectorindex.ErrZeroVector):
		WriteAPIError(w, http.StatusBadRequest, CodeDimension, err.Error())
	case errors.Is(err, query.ErrNoEmbedder):
		WriteAPIError(w, http.StatusNotImplemented, CodeNoEmbedder, err.Error())
	case errors.Is(err, repository.ErrItemNotFound):
		WriteAPIError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		log.WithError(err).Error("api: request failed")
		WriteAPIError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, log logrus.FieldLogger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.WithError(err).Warn("api: failed to encode response")
		}
	}
}
