package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/camden-git/photofacets/repository"
)

// ItemDetailer loads an item with its facets.
type ItemDetailer interface {
	Detail(ctx context.Context, id uint) (*repository.ItemDetail, error)
}

type ItemHandler struct {
	Repo ItemDetailer
	Log  logrus.FieldLogger
}

// GetItem handles GET /api/items/{item_id}.
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "item_id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidArgument, "Invalid item ID format")
		return
	}

	detail, err := h.Repo.Detail(r.Context(), uint(id))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, h.Log, http.StatusOK, detail)
}
