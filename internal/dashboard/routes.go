package dashboard

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/tracker"
)

// workerView is the JSON shape of one pool instance.
type workerView struct {
	ConversationKey string `json:"conversation_key"`
	Endpoint        string `json:"endpoint"`
	Port            int    `json:"port"`
	Restarts        int    `json:"restarts"`
}

// conversationView is the JSON shape of one active conversation.
type conversationView struct {
	ConversationKey string    `json:"conversation_key"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Query           string    `json:"query"`
	StartedAt       time.Time `json:"started_at"`
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/api/status", handleStatus(opts))
	router.GET("/api/workers", handleWorkers(opts.Pool))
	router.GET("/api/conversations", handleConversations(opts.Tracker))
	router.GET("/api/turns", handleTurns(opts.DB))
	router.GET("/api/events", handleSSE(opts.Subscribe))
}

func handleStatus(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"workers":       len(opts.Pool.Snapshot()),
			"conversations": len(opts.Tracker.ActiveContexts()),
			"time":          time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleWorkers(p PoolView) gin.HandlerFunc {
	return func(c *gin.Context) {
		instances := p.Snapshot()
		views := make([]workerView, 0, len(instances))
		for _, inst := range instances {
			views = append(views, workerView{
				ConversationKey: inst.Key,
				Endpoint:        inst.Endpoint,
				Port:            inst.Port,
				Restarts:        inst.Restarts(),
			})
		}
		sort.Slice(views, func(i, j int) bool {
			return views[i].ConversationKey < views[j].ConversationKey
		})
		c.JSON(http.StatusOK, views)
	}
}

func handleConversations(t TrackerView) gin.HandlerFunc {
	return func(c *gin.Context) {
		contexts := t.ActiveContexts()
		views := make([]conversationView, 0, len(contexts))
		for key, ctx := range contexts {
			views = append(views, toConversationView(key, ctx))
		}
		sort.Slice(views, func(i, j int) bool {
			return views[i].ConversationKey < views[j].ConversationKey
		})
		c.JSON(http.StatusOK, views)
	}
}

func toConversationView(key string, ctx tracker.ActiveContext) conversationView {
	return conversationView{
		ConversationKey: key,
		SessionID:       ctx.SessionID,
		UserID:          ctx.UserID,
		Query:           ctx.Query,
		StartedAt:       ctx.StartTime,
	}
}

func handleTurns(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gdb == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "activity log not configured"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		turns, err := db.RecentTurns(gdb, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, turns)
	}
}
