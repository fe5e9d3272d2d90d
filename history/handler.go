package history

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Handler serves GET /yjs/{channel} from a Store.
type Handler struct {
	store  Store
	apiKey string
	logger *slog.Logger
}

// NewHandler returns a handler that requires apiKey in the sv-api-key
// header. An empty apiKey disables the check.
func NewHandler(store Store, apiKey string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, apiKey: apiKey, logger: logger}
}

// Register mounts the handler on r.
func (h *Handler) Register(r *mux.Router) {
	r.Handle("/yjs/{channel}", h).Methods(http.MethodGet)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	if h.apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(APIKeyHeader)), []byte(h.apiKey)) != 1 {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	records, err := h.store.List(r.Context(), channel)
	if err != nil {
		h.logger.Error("listing history", "channel", channel, "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	body := Response{Events: make([]Event, 0, len(records))}
	for _, rec := range records {
		body.Events = append(body.Events, Event{
			ID:        rec.ID,
			Timestamp: rec.CreatedAt,
			Update:    Payload{Data: Bytes(rec.Update)},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("writing history response", "channel", channel, "error", err)
	}
}
