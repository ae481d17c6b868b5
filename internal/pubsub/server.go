package pubsub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"omemo/internal/domain"
)

// Wire types of the pepd HTTP protocol, shared by server and client.

type publishRequest struct {
	Node    string             `json:"node"`
	Item    wireItem           `json:"item"`
	Options *domain.NodeConfig `json:"options,omitempty"`
}

type nodeRequest struct {
	Node   string             `json:"node"`
	Config *domain.NodeConfig `json:"config,omitempty"`
}

type retractRequest struct {
	Node string `json:"node"`
	ID   string `json:"id"`
}

type wireItem struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const (
	condItemNotFound   = "item-not-found"
	condNodeNotFound   = "node-not-found"
	condConflict       = "conflict"
	condNotImplemented = "feature-not-implemented"
)

// Handler exposes a PEP service over HTTP for the pepd development
// server. One Memory instance serves every account JID.
func Handler(svc *Memory, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/features", func(w http.ResponseWriter, req *http.Request) {
		features, _ := svc.Features(req.Context())
		writeJSON(w, features)
	})

	r.Route("/pep/{jid}", func(r chi.Router) {
		r.Get("/nodes", func(w http.ResponseWriter, req *http.Request) {
			nodes, err := svc.RequestNodes(req.Context(), chi.URLParam(req, "jid"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, nodes)
		})

		r.Post("/publish", func(w http.ResponseWriter, req *http.Request) {
			var in publishRequest
			if !decode(w, req, &in) {
				return
			}
			jid := chi.URLParam(req, "jid")
			item := domain.Item{ID: in.Item.ID, Payload: in.Item.Payload}
			if err := svc.PublishItem(req.Context(), jid, in.Node, item, in.Options); err != nil {
				writeError(w, err)
				return
			}
			log.Info("published item", "jid", jid, "node", in.Node, "item", in.Item.ID)
			w.WriteHeader(http.StatusOK)
		})

		r.Get("/item", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			item, err := svc.RequestItem(req.Context(), chi.URLParam(req, "jid"), q.Get("node"), q.Get("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, wireItem{ID: item.ID, Payload: item.Payload})
		})

		r.Get("/item-ids", func(w http.ResponseWriter, req *http.Request) {
			ids, err := svc.RequestItemIDs(req.Context(), chi.URLParam(req, "jid"), req.URL.Query().Get("node"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, ids)
		})

		r.Post("/retract", func(w http.ResponseWriter, req *http.Request) {
			var in retractRequest
			if !decode(w, req, &in) {
				return
			}
			if err := svc.RetractItem(req.Context(), chi.URLParam(req, "jid"), in.Node, in.ID); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		r.Post("/create-node", func(w http.ResponseWriter, req *http.Request) {
			var in nodeRequest
			if !decode(w, req, &in) {
				return
			}
			if err := svc.CreateNode(req.Context(), chi.URLParam(req, "jid"), in.Node, in.Config); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		r.Post("/configure-node", func(w http.ResponseWriter, req *http.Request) {
			var in nodeRequest
			if !decode(w, req, &in) {
				return
			}
			var cfg domain.NodeConfig
			if in.Config != nil {
				cfg = *in.Config
			}
			if err := svc.ConfigureNode(req.Context(), chi.URLParam(req, "jid"), in.Node, cfg); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		r.Post("/delete-node", func(w http.ResponseWriter, req *http.Request) {
			var in nodeRequest
			if !decode(w, req, &in) {
				return
			}
			if err := svc.DeleteNode(req.Context(), chi.URLParam(req, "jid"), in.Node); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		r.Post("/subscribe", func(w http.ResponseWriter, req *http.Request) {
			var in nodeRequest
			if !decode(w, req, &in) {
				return
			}
			if err := svc.Subscribe(req.Context(), chi.URLParam(req, "jid"), in.Node); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		r.Post("/unsubscribe", func(w http.ResponseWriter, req *http.Request) {
			var in nodeRequest
			if !decode(w, req, &in) {
				return
			}
			if err := svc.Unsubscribe(req.Context(), chi.URLParam(req, "jid"), in.Node); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	})

	return r
}

func decode(w http.ResponseWriter, req *http.Request, out any) bool {
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(out); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	cond, status := condNodeNotFound, http.StatusNotFound
	switch {
	case errors.Is(err, domain.ErrItemNotFound):
		cond = condItemNotFound
	case errors.Is(err, domain.ErrNodeNotFound):
	case errors.Is(err, domain.ErrNodeExists):
		cond, status = condConflict, http.StatusConflict
	case errors.Is(err, domain.ErrUnsupported):
		cond, status = condNotImplemented, http.StatusNotImplemented
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: cond})
}
