package relay

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics holds operability counters exposed on the relay's HTTP surface.
type Metrics struct {
	RoomsCreated     atomic.Int64
	RoomsDestroyed   atomic.Int64
	ClientsJoined    atomic.Int64
	ClientsLeft      atomic.Int64
	MessagesRelayed  atomic.Int64
	OpsAcknowledged  atomic.Int64
	MessagesDropped  atomic.Int64
	SnapshotsPersist atomic.Int64
}

type metricsSnapshot struct {
	Rooms            int   `json:"rooms"`
	Collaborators    int   `json:"collaborators"`
	RoomsCreated     int64 `json:"roomsCreated"`
	RoomsDestroyed   int64 `json:"roomsDestroyed"`
	ClientsJoined    int64 `json:"clientsJoined"`
	ClientsLeft      int64 `json:"clientsLeft"`
	MessagesRelayed  int64 `json:"messagesRelayed"`
	OpsAcknowledged  int64 `json:"opsAcknowledged"`
	MessagesDropped  int64 `json:"messagesDropped"`
	SnapshotsPersist int64 `json:"snapshotsPersisted"`
}

// Handler serves the current counters as JSON.
func (m *Metrics) Handler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, collaborators := registry.Counts()
		snap := metricsSnapshot{
			Rooms:            rooms,
			Collaborators:    collaborators,
			RoomsCreated:     m.RoomsCreated.Load(),
			RoomsDestroyed:   m.RoomsDestroyed.Load(),
			ClientsJoined:    m.ClientsJoined.Load(),
			ClientsLeft:      m.ClientsLeft.Load(),
			MessagesRelayed:  m.MessagesRelayed.Load(),
			OpsAcknowledged:  m.OpsAcknowledged.Load(),
			MessagesDropped:  m.MessagesDropped.Load(),
			SnapshotsPersist: m.SnapshotsPersist.Load(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	}
}
