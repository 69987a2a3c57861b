package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshdeck/internal/tree"
)

func (a *API) CreateFolder(w http.ResponseWriter, r *http.Request) {
	var in tree.Folder
	if err := decodeBody(r, &in); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	f, err := a.Store.CreateFolder(r.Context(), in)
	a.recordTreeOp("create_folder", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"folder": f})
}

func (a *API) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	err := a.Store.DeleteFolder(r.Context(), chi.URLParam(r, "id"))
	a.recordTreeOp("delete_folder", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

type reparentRequest struct {
	ParentID *string `json:"parentId"`
}

func (a *API) ReparentFolder(w http.ResponseWriter, r *http.Request) {
	var req reparentRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.ParentID != nil && *req.ParentID == "" {
		req.ParentID = nil
	}
	err := a.Store.ReparentFolder(r.Context(), chi.URLParam(r, "id"), req.ParentID)
	a.recordTreeOp("reparent_folder", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

type batchRequest struct {
	Updates []tree.Update `json:"updates"`
}

func (a *API) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	err := a.Store.ApplyBatch(r.Context(), req.Updates)
	a.recordTreeOp("apply_batch", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"applied": len(req.Updates)})
}

func (a *API) ReplaceTree(w http.ResponseWriter, r *http.Request) {
	var st tree.Structure
	if err := decodeBody(r, &st); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	err := a.Store.ReplaceTree(r.Context(), st)
	a.recordTreeOp("replace_tree", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

type importRequest struct {
	FilePath string       `json:"filePath"`
	Bundle   *tree.Bundle `json:"bundle,omitempty"`
}

// ImportTree merges a bundle read from filePath, or the inline bundle when
// no path is given.
func (a *API) ImportTree(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &tree.FormatError{Reason: "request body is not a valid bundle", Err: err})
		return
	}

	var (
		res tree.ImportResult
		err error
	)
	switch {
	case strings.TrimSpace(req.FilePath) != "":
		res, err = a.Store.ImportFile(r.Context(), req.FilePath)
	case req.Bundle != nil:
		res, err = a.Store.ImportMerge(r.Context(), *req.Bundle)
	default:
		writeBadRequest(w, "filePath or bundle is required")
		return
	}
	a.recordTreeOp("import", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"imported":       res.Imported,
		"renamed":        res.Renamed,
		"foldersAdded":   res.FoldersAdded,
		"foldersRenamed": res.FoldersRenamed,
	})
}

type exportRequest struct {
	FilePath string `json:"filePath"`
}

func (a *API) ExportTreeFile(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.FilePath) == "" {
		writeBadRequest(w, "filePath is required")
		return
	}
	err := a.Store.ExportFile(r.Context(), req.FilePath)
	a.recordTreeOp("export", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"filePath": req.FilePath})
}

// ExportTree returns the bundle itself, as YAML when format=yaml.
func (a *API) ExportTree(w http.ResponseWriter, r *http.Request) {
	b, err := a.Store.ExportAll(r.Context())
	a.recordTreeOp("export", err)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") != "yaml" {
		writeJSON(w, http.StatusOK, b)
		return
	}
	data, err := tree.EncodeBundle(b, true)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="sshdeck-export.yaml"`)
	w.Write(data)
}
