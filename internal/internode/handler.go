package internode

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Gioppix/uptime-monitor/pkg/log"
)

// Handler serves POST /internal: bearer-authenticated, forwarding mutation
// check_ids onward to the scheduler's mutation-sync queue (spec.md §4.F).
type Handler struct {
	sharedSecret string
	mutations    chan<- []uuid.UUID
}

// NewHandler constructs the inbound handler. mutations is the scheduler's
// mutation-sync channel (mpsc-style: every delivery is queued, not
// coalesced); sends to it are non-blocking so a slow/stuck scheduler never
// stalls the HTTP response.
func NewHandler(sharedSecret string, mutations chan<- []uuid.UUID) *Handler {
	return &Handler{sharedSecret: sharedSecret, mutations: mutations}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, prefix)
	if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(token), []byte(h.sharedSecret)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var wire []wireMessage
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var mutated []uuid.UUID
	for _, wm := range wire {
		msg, ok := fromWire(wm)
		if !ok {
			continue
		}
		if wm.ServiceCheckMutation != nil {
			mutated = append(mutated, msg.CheckID)
		}
		if wm.ShuttingDown != nil {
			log.Logger.Info().Str("process_id", msg.ProcessID.String()).Msg("peer reported shutdown")
		}
	}

	if len(mutated) > 0 {
		select {
		case h.mutations <- mutated:
		default:
			log.Logger.Warn().Msg("mutation-sync channel full, dropping notification batch")
		}
	}

	w.WriteHeader(http.StatusOK)
}
