package main

import (
	"context"
	"log"
	"log/slog"
	"strings"
	"sync"

	"visual-waypoint-nav/chat"
	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/models"
	"visual-waypoint-nav/utils"

	socketio "github.com/googollee/go-socket.io"
	"github.com/mdobak/go-xerrors"
)

// broadcaster is the part of the socket.io server the controller pushes to.
type broadcaster interface {
	BroadcastToNamespace(namespace string, event string, args ...interface{}) bool
}

type socketController struct {
	app    *missionApp
	server broadcaster
	// assistant may be nil when GEMINI_API_KEY is not set
	assistant *chat.GeminiClient

	mu     sync.Mutex
	recent []models.VerificationRecord
}

type missionInfo struct {
	Mission    drone.Mission  `json:"mission"`
	Thresholds thresholdsInfo `json:"thresholds"`
	TickHz     float64        `json:"tickHz"`
	Snapshot   drone.Snapshot `json:"snapshot"`
}

type thresholdsInfo struct {
	Ratio         float64 `json:"ratio"`
	Confirm       float64 `json:"confirm"`
	RetryLimit    int     `json:"retryLimit"`
	Normalization string  `json:"normalization"`
}

type chatReply struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newSocketController(server broadcaster, assistant *chat.GeminiClient) *socketController {
	return &socketController{server: server, assistant: assistant}
}

func (c *socketController) missionInfo() missionInfo {
	cfg := c.app.cfg
	return missionInfo{
		Mission: c.app.mission,
		Thresholds: thresholdsInfo{
			Ratio:         cfg.RatioThreshold,
			Confirm:       cfg.ConfirmThreshold,
			RetryLimit:    cfg.RetryLimit,
			Normalization: string(c.app.verifier.Normalization()),
		},
		TickHz:   cfg.TickHz,
		Snapshot: c.app.runner.Store().Snapshot(),
	}
}

func (c *socketController) emitMissionInfo(socket socketio.Conn) {
	socket.Emit("missionInfo", c.missionInfo())
}

func (c *socketController) handleRequestMissionInfo(socket socketio.Conn) {
	c.emitMissionInfo(socket)
}

// publish is the runner hook: every tick goes out as telemetry, plus the
// verification result and the outcome when present.
func (c *socketController) publish(snap drone.Snapshot) {
	c.server.BroadcastToNamespace("/", "telemetry", snap)

	if v := snap.Command.Verification; v != nil {
		rec := models.VerificationRecord{
			Tick:          snap.State.Tick,
			WaypointID:    v.WaypointID,
			WaypointIndex: snap.State.WaypointIndex,
			Behavior:      snap.Command.Behavior.String(),
			Lat:           snap.State.Position.Lat,
			Lon:           snap.State.Position.Lon,
			MatchedCount:  v.MatchedCount,
			TargetCount:   v.TargetCount,
			LiveCount:     v.LiveCount,
			Confidence:    v.Confidence,
			Passed:        v.Passed,
			Reason:        v.Reason,
		}
		if c.app != nil {
			rec.MissionID = c.app.mission.ID
		}
		c.mu.Lock()
		c.recent = append(c.recent, rec)
		if len(c.recent) > 64 {
			c.recent = c.recent[len(c.recent)-64:]
		}
		c.mu.Unlock()
		c.server.BroadcastToNamespace("/", "verification", rec)
	}

	if outcome, ok := drone.OutcomeOf(snap.State); ok {
		c.server.BroadcastToNamespace("/", "missionOutcome", outcome)
	}
}

func (c *socketController) handleAbortMission(socket socketio.Conn) {
	logger := utils.GetLogger()
	logger.Info("abort requested", slog.String("socketID", socket.ID()), slog.String("mission", c.app.mission.ID))
	c.app.runner.Abort()
}

func (c *socketController) recentVerifications() []models.VerificationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.VerificationRecord(nil), c.recent...)
}

func (c *socketController) handleChatMessage(socket socketio.Conn, message string) {
	logger := utils.GetLogger()
	ctx := context.Background()

	message = strings.TrimSpace(message)
	if message == "" {
		socket.Emit("chatResponse", chatReply{Error: "empty message"})
		return
	}
	if c.assistant == nil {
		socket.Emit("chatResponse", chatReply{Error: "assistant not configured"})
		return
	}

	missionContext := chat.MissionContext(c.app.mission, c.app.runner.Store().Snapshot(), c.recentVerifications())
	reply, err := c.assistant.GenerateResponse(ctx, missionContext, message)
	if err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "failed to generate chat response", slog.Any("error", err))
		socket.Emit("chatResponse", chatReply{Error: "assistant error"})
		return
	}
	log.Printf("[chat] replied to %s (%d chars)\n", socket.ID(), len(reply))
	socket.Emit("chatResponse", chatReply{Message: reply})
}
