// Package manage implements management API of agent.
package manage

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/gortc/iced/internal/auth"
	"github.com/gortc/iced/internal/transport"
)

// Notifier wraps notify method.
type Notifier interface {
	Notify()
}

// Agent is managed ICE transport.
type Agent interface {
	Stats() transport.Stats
	Restart() (auth.Credentials, error)
}

// Manager handles http management endpoints.
type Manager struct {
	notifier Notifier
	agent    Agent
	l        *zap.Logger
}

func (m Manager) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	if err := e.Encode(v); err != nil {
		m.l.Warn("failed to write", zap.Error(err))
	}
}

func (m Manager) writeText(w http.ResponseWriter, code int, text string) {
	w.WriteHeader(code)
	if _, err := fmt.Fprintln(w, text); err != nil {
		m.l.Warn("failed to write", zap.Error(err))
	}
}

// ServeHTTP implements http.Handler.
func (m Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/reload":
		m.l.Info("got reload request")
		m.notifier.Notify()
		m.writeText(w, http.StatusOK, "agent will be reloaded soon")
	case "/stats":
		m.writeJSON(w, m.agent.Stats())
	case "/restart":
		if r.Method != http.MethodPost {
			m.writeText(w, http.StatusMethodNotAllowed, "use POST to restart")
			return
		}
		m.l.Info("got restart request")
		creds, err := m.agent.Restart()
		if err != nil {
			m.l.Error("failed to restart", zap.Error(err))
			m.writeText(w, http.StatusInternalServerError, "failed to restart")
			return
		}
		// Password is announced by signaling only.
		m.writeJSON(w, struct {
			Ufrag string `json:"ufrag"`
		}{Ufrag: creds.Ufrag})
	default:
		m.writeText(w, http.StatusNotFound, "management endpoint not found")
	}
}

// NewManager initializes and returns Manager.
func NewManager(l *zap.Logger, n Notifier, a Agent) Manager {
	return Manager{
		l:        l,
		notifier: n,
		agent:    a,
	}
}
