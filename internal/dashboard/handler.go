package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/leveling/leveling/internal/cache"
	"github.com/leveling/leveling/internal/events"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

// StatsData summarizes the player for dashboard clients.
type StatsData struct {
	Level          int      `json:"level"`
	XP             int      `json:"xp"`
	XPToNext       int      `json:"xpToNext"`
	Gold           int      `json:"gold"`
	Tasks          int      `json:"tasks"`
	CompletedTasks int      `json:"completedTasks"`
	EarnedTitles   int      `json:"earnedTitles"`
	SelectedTitle  types.ID `json:"selectedTitle,omitempty"`
	Blocked        bool     `json:"blocked"`
}

// refreshOn lists the collections to reload before broadcasting stats
// after an event.
var refreshOn = map[string][]string{
	events.TaskCompleted: {types.CollPlayerProfile, types.CollCompletedTasks, types.CollTasks},
	events.TitleChanged:  {types.CollEarnedTitles, types.CollSelectedTitle, types.CollPlayerProfile},
	events.SyncCompleted: nil, // everything
}

// Handler bridges the event bus and the WebSocket server.
type Handler struct {
	server *Server
	cache  *cache.Cache
	logger *log.Logger

	unsubscribe func()
}

// NewHandler creates a handler that reads player statistics from c. It
// also makes new clients receive the current statistics on connect.
func NewHandler(server *Server, c *cache.Cache, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	h := &Handler{server: server, cache: c, logger: logger}
	server.welcome = h.statsMessage
	return h
}

// Attach forwards every bus event to the dashboard until Detach.
func (h *Handler) Attach(bus *events.Bus) {
	h.Detach()
	h.unsubscribe = bus.Subscribe(events.Wildcard, h.OnEvent)
}

// Detach stops forwarding.
func (h *Handler) Detach() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
}

// OnEvent broadcasts e and, for events that change the player, fresh
// statistics.
func (h *Handler) OnEvent(e events.Event) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", e.Topic, err)
		return
	}
	h.server.Broadcast(Message{Type: e.Topic, Timestamp: e.At, Data: data})

	names, ok := refreshOn[e.Topic]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if names == nil {
		err = h.cache.Refresh(ctx)
	} else {
		err = h.cache.RefreshCollections(ctx, names...)
	}
	if err != nil {
		h.logger.Printf("Warning: stats refresh after %s failed: %v", e.Topic, err)
	}
	h.BroadcastStats()
}

// Stats returns the current statistics from the cache.
func (h *Handler) Stats() StatsData {
	p := h.cache.PlayerProfile()
	return StatsData{
		Level:          p.Level,
		XP:             p.XP,
		XPToNext:       storage.XPForNextLevel(p.Level),
		Gold:           p.Gold,
		Tasks:          len(h.cache.Tasks()),
		CompletedTasks: len(h.cache.CompletedTasks()),
		EarnedTitles:   len(h.cache.EarnedTitles()),
		SelectedTitle:  h.cache.SelectedTitle(),
		Blocked:        h.cache.Blocked(),
	}
}

// BroadcastStats sends the current statistics to all clients.
func (h *Handler) BroadcastStats() {
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.Stats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return Message{Type: MessageTypeStats}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now().UTC(), Data: data}
}
