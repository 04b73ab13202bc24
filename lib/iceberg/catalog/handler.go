package catalog

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
)

// Handler exposes the tenant catalog over the Iceberg REST protocol.
// Clients address tenant-facing names; the catalog maps them before
// touching the warehouse shards.
type Handler struct {
	catalog *Catalog
	router  *httprouter.Router
}

// NewHandler builds the REST surface over a catalog.
func NewHandler(catalog *Catalog) *Handler {
	h := &Handler{catalog: catalog, router: httprouter.New()}
	h.router.GET("/v1/config", h.wrap(h.getConfig))
	h.router.GET("/v1/namespaces", h.wrap(h.listNamespaces))
	h.router.POST("/v1/namespaces", h.wrap(h.createNamespace))
	h.router.GET("/v1/namespaces/:ns", h.wrap(h.getNamespace))
	h.router.DELETE("/v1/namespaces/:ns", h.wrap(h.dropNamespace))
	h.router.GET("/v1/namespaces/:ns/tables", h.wrap(h.listTables))
	h.router.POST("/v1/namespaces/:ns/tables", h.wrap(h.createTable))
	h.router.GET("/v1/namespaces/:ns/tables/:table", h.wrap(h.loadTable))
	h.router.DELETE("/v1/namespaces/:ns/tables/:table", h.wrap(h.dropTable))
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error

func (h *Handler) wrap(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := fn(w, r, p); err != nil {
			writeError(w, err)
		}
	}
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	return writeJSON(w, http.StatusOK, map[string]any{
		"defaults":  map[string]any{},
		"overrides": map[string]any{"prefix": h.catalog.cfg.Tenant.Ref},
	})
}

func (h *Handler) listNamespaces(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	namespaces, err := h.catalog.ListNamespaces(r.Context())
	if err != nil {
		return trace.Wrap(err)
	}
	out := make([][]string, 0, len(namespaces))
	for _, ns := range namespaces {
		out = append(out, []string{ns.Name})
	}
	return writeJSON(w, http.StatusOK, map[string]any{"namespaces": out})
}

func (h *Handler) createNamespace(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req struct {
		Namespace  []string          `json:"namespace"`
		Properties map[string]string `json:"properties"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	if len(req.Namespace) != 1 {
		return api.NewError(api.CodeInvalidRequest, "multi-level namespaces are not supported")
	}
	ns, err := h.catalog.CreateNamespace(r.Context(), req.Namespace[0])
	if err != nil {
		return trace.Wrap(err)
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"namespace":  []string{ns.Name},
		"properties": map[string]string{},
	})
}

func (h *Handler) getNamespace(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	ns, err := h.catalog.GetNamespace(r.Context(), p.ByName("ns"))
	if err != nil {
		return trace.Wrap(err)
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"namespace":  []string{ns.Name},
		"properties": map[string]string{},
	})
}

func (h *Handler) dropNamespace(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.catalog.DropNamespace(r.Context(), p.ByName("ns")); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) listTables(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	namespace := p.ByName("ns")
	tables, err := h.catalog.ListTables(r.Context(), namespace)
	if err != nil {
		return trace.Wrap(err)
	}
	identifiers := make([]map[string]any, 0, len(tables))
	for _, tbl := range tables {
		identifiers = append(identifiers, map[string]any{
			"namespace": []string{namespace},
			"name":      tbl.Name,
		})
	}
	return writeJSON(w, http.StatusOK, map[string]any{"identifiers": identifiers})
}

func (h *Handler) createTable(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	spec, err := io.ReadAll(io.LimitReader(r.Body, defaults.UpstreamCatalogMaxResponse))
	if err != nil {
		return trace.Wrap(err)
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(spec, &req); err != nil {
		return api.NewError(api.CodeInvalidRequest, "malformed table spec: %v", err)
	}
	if req.Name == "" {
		return api.NewError(api.CodeInvalidRequest, "missing table name")
	}
	_, doc, err := h.catalog.CreateTable(r.Context(), p.ByName("ns"), req.Name, spec)
	if err != nil {
		return trace.Wrap(err)
	}
	return writeRaw(w, http.StatusOK, doc)
}

func (h *Handler) loadTable(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	doc, err := h.catalog.LoadTable(r.Context(), p.ByName("ns"), p.ByName("table"))
	if err != nil {
		return trace.Wrap(err)
	}
	return writeRaw(w, http.StatusOK, doc)
}

func (h *Handler) dropTable(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.catalog.DropTable(r.Context(), p.ByName("ns"), p.ByName("table")); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, defaults.UpstreamCatalogMaxResponse)).Decode(out); err != nil {
		return api.NewError(api.CodeInvalidRequest, "malformed request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return trace.Wrap(json.NewEncoder(w).Encode(payload))
}

func writeRaw(w http.ResponseWriter, status int, payload json.RawMessage) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(payload)
	return trace.Wrap(err)
}

// writeError renders the Iceberg REST error envelope.
func writeError(w http.ResponseWriter, err error) {
	var ie *Error
	if errors.As(err, &ie) {
		renderError(w, ie)
		return
	}
	rendered := api.ConvertError(err).Render()
	renderError(w, &Error{
		Message: rendered.Message,
		Type:    errorType(rendered.StatusCode),
		Code:    rendered.StatusCode,
	})
}

func renderError(w http.ResponseWriter, ie *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ie.Code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ie})
}

func errorType(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NoSuchNamespaceException"
	case http.StatusConflict:
		return "AlreadyExistsException"
	case http.StatusBadRequest:
		return "BadRequestException"
	case http.StatusForbidden:
		return "NotAuthorizedException"
	default:
		return "InternalServerError"
	}
}
