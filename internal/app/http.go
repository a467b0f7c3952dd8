package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
)

// TransactionView is the JSON form of an active transaction.
type TransactionView struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	RollbackOnly bool      `json:"rollback_only"`
	Created      time.Time `json:"created"`
	Deadline     time.Time `json:"deadline,omitempty"`
	Resources    []string  `json:"resources"`
}

// StatusView is served at /status.
type StatusView struct {
	NodeID       string            `json:"node_id"`
	Resources    []string          `json:"resources"`
	Transactions []TransactionView `json:"transactions"`
}

// Status describes the node and its active transactions, oldest first.
func (n *Node) Status() StatusView {
	view := StatusView{NodeID: n.Coordinator.NodeID(), Transactions: []TransactionView{}}
	for _, rm := range n.Resources.Managers() {
		view.Resources = append(view.Resources, rm.ResourceID())
	}
	for _, r := range n.Manager.Active() {
		s := r.Snapshot()
		view.Transactions = append(view.Transactions, TransactionView{
			ID:           s.ID.String(),
			Status:       s.Status.String(),
			RollbackOnly: s.RollbackOnly,
			Created:      s.Created,
			Deadline:     s.Deadline,
			Resources:    s.Resources,
		})
	}
	return view
}

// Handler serves /status, /healthz, POST /recover and POST /probe, plus
// /metrics when metrics is non-nil.
func (n *Node) Handler(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		n.writeJSON(w, http.StatusOK, n.Status())
	})
	mux.HandleFunc("/recover", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := n.Recoverer.Run(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		n.writeJSON(w, http.StatusOK, report)
	})
	mux.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := n.Probe(r.Context()); err != nil {
			code := http.StatusInternalServerError
			if transaction.Classify(err) == transaction.KindOutcome {
				code = http.StatusConflict
			}
			http.Error(w, err.Error(), code)
			return
		}
		n.writeJSON(w, http.StatusOK, map[string]string{"outcome": transaction.StatusCommitted.String()})
	})
	return mux
}

func (n *Node) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		n.logger.Warn("Failed to write HTTP response", zap.Error(err))
	}
}
