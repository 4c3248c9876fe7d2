package api

import (
	"net/http"
	"time"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/health"
	"github.com/JakeFAU/rankhub/internal/registry"
)

type agentsStatusData struct {
	registry.Stats
	Agents []fleet.Agent `json:"agents"`
}

type agentHealth struct {
	ID             string            `json:"id"`
	VMID           string            `json:"vmId,omitempty"`
	Browser        fleet.Capability  `json:"browser"`
	Status         fleet.AgentStatus `json:"status"`
	Health         *health.Status    `json:"health,omitempty"`
	TasksCompleted int               `json:"tasksCompleted"`
	LastActivity   time.Time         `json:"lastActivity"`
	Host           string            `json:"host,omitempty"`
}

func (s *Server) agentsStatus(w http.ResponseWriter, _ *http.Request) {
	tasks := s.deps.Lookups.Stats()
	s.writeData(w, agentsStatusData{
		Stats:  s.deps.Agents.Stats(tasks.QueueLength, tasks.ActiveTasks),
		Agents: s.deps.Agents.List(),
	})
}

func (s *Server) agentsHealth(w http.ResponseWriter, _ *http.Request) {
	byID := make(map[string]health.Status)
	for _, st := range s.deps.Health.Snapshot() {
		byID[st.AgentID] = st
	}
	agents := s.deps.Agents.List()
	out := make([]agentHealth, 0, len(agents))
	for _, a := range agents {
		entry := agentHealth{
			ID:             a.ID,
			VMID:           a.VMID,
			Browser:        a.Capability,
			Status:         a.Status,
			TasksCompleted: a.TasksCompleted,
			LastActivity:   a.LastActivity,
		}
		if a.Port > 0 {
			entry.Host = a.HostPort()
		}
		if st, ok := byID[a.ID]; ok {
			entry.Health = &st
		}
		out = append(out, entry)
	}
	s.writeData(w, out)
}

func (s *Server) rollingStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, s.deps.Rolling.Stats())
}

func (s *Server) locksStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, s.deps.Batch.Status())
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": s.deps.Clock.Now().UTC(),
	})
}
