package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meetwire/meetwire/internal/v1/meeting"
	"github.com/meetwire/meetwire/internal/v1/transfer"
)

// Handler serves the ops endpoints: liveness, readiness and a live stats
// snapshot for external tooling.
type Handler struct {
	registry  *meeting.Registry
	transfers *transfer.Coordinator
}

func NewHandler(reg *meeting.Registry, co *transfer.Coordinator) *Handler {
	return &Handler{registry: reg, transfers: co}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// StatsResponse is the live snapshot served to external tooling.
type StatsResponse struct {
	Meetings       int                   `json:"meetings"`
	Participants   int                   `json:"participants"`
	OpenTransfers  int                   `json:"openTransfers"`
	MeetingDetails []meeting.MeetingInfo `json:"meetingDetails"`
	Timestamp      string                `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// The server has no external dependencies; readiness reflects that the
// registries are reachable.
func (h *Handler) Readiness(c *gin.Context) {
	checks := map[string]string{"registry": "healthy"}
	if h.registry == nil {
		checks["registry"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, ReadinessResponse{
			Status:    "unavailable",
			Checks:    checks,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	c.JSON(http.StatusOK, ReadinessResponse{
		Status:    "ready",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats handles GET /stats with live meeting and transfer counters.
func (h *Handler) Stats(c *gin.Context) {
	meetings, participants := h.registry.Counts()
	c.JSON(http.StatusOK, StatsResponse{
		Meetings:       meetings,
		Participants:   participants,
		OpenTransfers:  h.transfers.ActiveSessions(),
		MeetingDetails: h.registry.Snapshot(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}
