package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"visual-waypoint-nav/chat"
	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/models"
	"visual-waypoint-nav/utils"
	"visual-waypoint-nav/vision"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"
)

type apiError struct {
	Message string `json:"message"`
}

type missionStatus struct {
	MissionID string         `json:"missionId"`
	Snapshot  drone.Snapshot `json:"snapshot"`
	Outcome   *drone.Outcome `json:"outcome,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

// allowMethod sets the CORS headers and answers preflight requests. It
// returns false when the request has been handled.
func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", method+", OPTIONS")
	w.Header().Set("Access-Control-Allow-Credentials", "true")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != method {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func newMissionStatusHandler(app *missionApp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		snap := app.runner.Store().Snapshot()
		status := missionStatus{MissionID: app.mission.ID, Snapshot: snap}
		if outcome, ok := drone.OutcomeOf(snap.State); ok {
			status.Outcome = &outcome
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func newVerificationsHandler(app *missionApp) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !allowMethod(w, r, http.MethodGet) {
			return
		}

		missionID := strings.TrimSpace(r.URL.Query().Get("mission"))
		if missionID == "" {
			missionID = app.mission.ID
		}
		records, err := app.verifications(ctx, missionID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to load verifications", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to load verifications")
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func newOutcomesHandler(app *missionApp) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !allowMethod(w, r, http.MethodGet) {
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		outcomes, err := app.outcomes(ctx, limit)
		if err != nil {
			logger.ErrorContext(ctx, "failed to load outcomes", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to load outcomes")
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	}
}

func newAbortHandler(app *missionApp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		app.runner.Abort()
		log.Printf("[HTTP] Abort requested for mission %s\n", app.mission.ID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "abort requested"})
	}
}

func newVerifyHandler(app *missionApp) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !allowMethod(w, r, http.MethodPost) {
			return
		}

		var frame models.FrameData
		if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
			logger.ErrorContext(ctx, "failed to parse request body", slog.Any("error", err))
			writeJSONError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
		if frame.Image == "" {
			writeJSONError(w, http.StatusBadRequest, "no image data received")
			return
		}

		started := time.Now()
		result, err := app.verifyFrame(ctx, frame)
		switch {
		case errors.Is(err, errUnknownWaypoint):
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, vision.ErrSnapshotUnavailable):
			writeJSONError(w, http.StatusBadRequest, "unable to decode image")
			return
		case errors.Is(err, vision.ErrCacheReleased):
			writeJSONError(w, http.StatusConflict, "mission has ended")
			return
		case err != nil:
			logger.ErrorContext(ctx, "verification failed", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "verification error")
			return
		}

		logger.InfoContext(ctx, "frame verified",
			slog.String("waypoint", result.WaypointID),
			slog.Int("matched", result.MatchedCount),
			slog.Float64("confidence", result.Confidence),
			slog.Bool("passed", result.Passed),
			slog.Duration("latency", time.Since(started)),
		)
		writeJSON(w, http.StatusOK, result)
	}
}

func newMux(app *missionApp, socketServer http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if socketServer != nil {
		mux.Handle("/socket.io/", socketServer)
	}
	mux.HandleFunc("/api/mission/status", newMissionStatusHandler(app))
	mux.HandleFunc("/api/mission/verifications", newVerificationsHandler(app))
	mux.HandleFunc("/api/mission/abort", newAbortHandler(app))
	mux.HandleFunc("/api/mission/outcomes", newOutcomesHandler(app))
	mux.HandleFunc("/api/verify", newVerifyHandler(app))
	mux.Handle("/", http.FileServer(http.Dir("static")))
	return mux
}

func serve(protocol, port string, realTime bool) {
	protocol = strings.ToLower(protocol)
	var allowOriginFunc = func(r *http.Request) bool {
		return true
	}
	logger := utils.GetLogger()
	ctx := context.Background()

	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})

	var assistant *chat.GeminiClient
	if utils.GetEnv("GEMINI_API_KEY") != "" {
		client, err := chat.NewGeminiClient(ctx)
		if err != nil {
			logger.WarnContext(ctx, "chat assistant disabled", slog.Any("error", xerrors.New(err)))
		} else {
			assistant = client
		}
	}

	controller := newSocketController(server, assistant)
	app, err := loadMissionApp(ctx, drone.RunnerOptions{RealTime: realTime, Publish: controller.publish})
	if err != nil {
		log.Fatalf("failed to load mission: %v", err)
	}
	defer app.Close()
	controller.app = app
	log.Printf("Loaded mission %s with %d waypoints\n", app.mission.ID, app.mission.Len())

	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		connURL := socket.URL()
		log.Printf("CONNECTED: %s, transport: %s, remote addr: %s\n", socket.ID(), connURL.String(), socket.RemoteAddr())
		controller.emitMissionInfo(socket)
		return nil
	})

	server.OnEvent("/", "requestMissionInfo", func(socket socketio.Conn) {
		controller.handleRequestMissionInfo(socket)
	})

	server.OnEvent("/", "abortMission", func(socket socketio.Conn) {
		log.Printf("abortMission received from %s\n", socket.ID())
		controller.handleAbortMission(socket)
	})

	server.OnEvent("/", "chatMessage", func(socket socketio.Conn, msg string) {
		// the assistant call can take seconds
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("panic in handleChatMessage for socket %s: %v\n", socket.ID(), r)
					socket.Emit("chatResponse", chatReply{Error: "internal server error"})
				}
			}()
			controller.handleChatMessage(socket, msg)
		}()
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Println("meet error:", e)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("Socket disconnected - ID: %s, Reason: %s\n", s.ID(), reason)
	})

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("socketio listen error: %s\n", err)
		}
	}()
	defer server.Close()

	go func() {
		outcome, err := app.runner.Run(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "mission run failed", slog.Any("error", xerrors.New(err)))
			return
		}
		log.Printf("Mission %s finished: %s %s\n", app.mission.ID, outcome.Status, outcome.Reason)
	}()

	serveHTTP(protocol == "https", port, newMux(app, server))
}

func serveHTTP(serveHTTPS bool, port string, handler http.Handler) {
	if serveHTTPS {
		httpsAddr := ":" + port
		httpsServer := &http.Server{
			Addr: httpsAddr,
			TLSConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			Handler: handler,
		}

		certKey := utils.GetEnv("CERT_KEY")
		certFile := utils.GetEnv("CERT_FILE")
		if certKey == "" || certFile == "" {
			log.Fatal("Missing cert")
		}

		log.Printf("Starting HTTPS server on %s\n", httpsAddr)
		if err := httpsServer.ListenAndServeTLS(certFile, certKey); err != nil {
			log.Fatalf("HTTPS server ListenAndServeTLS: %v", err)
		}
	}

	log.Printf("Starting HTTP server on port %v", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatalf("HTTP server ListenAndServe: %v", err)
	}
}
