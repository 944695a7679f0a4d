package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/vrdanmaku/danmaku/internal/catalog"
)

const multipartMemory = 32 << 20

type renameRequest struct {
	Name string `json:"name" validate:"required"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Channels    int    `json:"channels"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.deps.Hub != nil {
		resp.Connections = h.deps.Hub.Count()
	}
	if h.deps.Registry != nil {
		resp.Channels = h.deps.Registry.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) listVideos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Catalog.List())
}

func (h *handler) createVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.Config.Catalog.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("video")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("missing video file"))
		return
	}
	defer func() { _ = file.Close() }()

	name := r.FormValue("name")
	if strings.TrimSpace(name) == "" {
		name = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	}

	video, err := h.deps.Catalog.Create(catalog.Upload{
		Name:     name,
		Tags:     r.MultipartForm.Value["tags"],
		Filename: header.Filename,
		Body:     file,
	})
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, video)
}

func (h *handler) renameVideo(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	video, err := h.deps.Catalog.Rename(chi.URLParam(r, "id"), req.Name)
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (h *handler) deleteVideo(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Catalog.Delete(chi.URLParam(r, "id")); err != nil {
		h.writeCatalogError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrVideoNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, catalog.ErrInvalidVideo):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.log.Error().Err(err).Msg("catalog operation failed")
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
