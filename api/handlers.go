package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Sendient/ai-detector-sub001/kit"
	"github.com/Sendient/ai-detector-sub001/pipeline"
	"github.com/Sendient/ai-detector-sub001/records"
	"github.com/Sendient/ai-detector-sub001/safeio"
)

// multipartMemory is how much of a form is held in memory before parts
// spill to temporary files.
const multipartMemory = 32 << 20

// POST /v1/documents (multipart: file, optional batch_id)
func (h *Handler) submitDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, r, formError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	fhs := r.MultipartForm.File["file"]
	if len(fhs) != 1 {
		writeError(w, r, fmt.Errorf("%w: expected exactly one \"file\" part", pipeline.ErrInvalidFile))
		return
	}
	f, err := h.readPart(fhs[0])
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := h.svc.Submit(r.Context(), kit.GetTenantID(r.Context()), f, r.FormValue("batch_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

// POST /v1/batches (multipart: one or more "files")
func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, r, formError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	fhs := r.MultipartForm.File["files"]
	files := make([]pipeline.File, 0, len(fhs))
	for _, fh := range fhs {
		f, err := h.readPart(fh)
		if err != nil {
			writeError(w, r, err)
			return
		}
		files = append(files, f)
	}
	b, err := h.svc.CreateBatch(r.Context(), kit.GetTenantID(r.Context()), files)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetDocument(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) cancelDocument(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Cancel(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	// An assessing document is only flagged; the worker finishes the cancel.
	code := http.StatusOK
	if d.Status != records.StatusCancelled {
		code = http.StatusAccepted
	}
	writeJSON(w, code, d)
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.GetBatch(r.Context(), kit.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) batchReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := h.svc.ExportBatch(r.Context(), kit.GetTenantID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": id + ".xlsx"}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Usage(r.Context(), kit.GetTenantID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// readPart loads one uploaded part. The declared Content-Type wins; a
// missing or generic one falls back to the filename extension.
func (h *Handler) readPart(fh *multipart.FileHeader) (pipeline.File, error) {
	src, err := fh.Open()
	if err != nil {
		return pipeline.File{}, fmt.Errorf("%w: %v", pipeline.ErrInvalidFile, err)
	}
	defer src.Close()
	data, err := safeio.LimitedReadAll(src, h.maxBody)
	if err != nil {
		return pipeline.File{}, fmt.Errorf("%w: %s: %v", pipeline.ErrInvalidFile, fh.Filename, err)
	}
	mt := fh.Header.Get("Content-Type")
	if mt == "" || mt == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(fh.Filename)); byExt != "" {
			mt = byExt
		}
	}
	return pipeline.File{Filename: filepath.Base(fh.Filename), MediaType: mt, Data: data}, nil
}

func formError(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: empty form", pipeline.ErrInvalidFile)
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return fmt.Errorf("%w: %v", pipeline.ErrInvalidFile, err)
}
