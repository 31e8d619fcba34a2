package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/vibetunnel/server/pkg/session"
	"github.com/vibetunnel/server/pkg/streamcore"
)

// debugLog logs debug messages only if VIBETUNNEL_DEBUG is set
func debugLog(format string, args ...interface{}) {
	if os.Getenv("VIBETUNNEL_DEBUG") != "" {
		log.Printf(format, args...)
	}
}

type Server struct {
	manager             *session.Manager
	staticPath          string
	password            string
	port                int
	doNotAllowColumnSet bool
	registry            *streamcore.Registry
}

func NewServer(manager *session.Manager, staticPath, password string, port int) *Server {
	store := streamcore.NewSessionStore(manager.ControlPath())
	return &Server{
		manager:    manager,
		staticPath: staticPath,
		password:   password,
		port:       port,
		registry:   streamcore.NewRegistry(store),
	}
}

func (s *Server) SetDoNotAllowColumnSet(doNotAllowColumnSet bool) {
	s.doNotAllowColumnSet = doNotAllowColumnSet
}

func (s *Server) Start(addr string) error {
	handler := s.createHandler()

	// Setup graceful shutdown
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down server...")

		// Disconnect every SSE subscriber before tearing down sessions.
		s.registry.Shutdown()

		// Mark all running sessions as exited
		if sessions, err := s.manager.ListSessions(); err == nil {
			for _, session := range sessions {
				if session.Status == "running" || session.Status == "starting" {
					if sess, err := s.manager.GetSession(session.ID); err == nil {
						if err := sess.UpdateStatus(); err != nil {
							log.Printf("Failed to update session status: %v", err)
						}
					}
				}
			}
		}

		// Shutdown HTTP server
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Failed to shutdown server: %v", err)
		}
	}()

	return srv.ListenAndServe()
}

func (s *Server) createHandler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	if s.password != "" {
		api.Use(s.basicAuthMiddleware)
	}

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/stream", s.handleStreamSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/snapshot", s.handleSnapshotSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/input", s.handleSendInput).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleKillSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/cleanup", s.handleCleanupSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/cleanup", s.handleCleanupSession).Methods("POST") // Alternative method
	api.HandleFunc("/sessions/{id}/resize", s.handleResizeSession).Methods("POST")
	api.HandleFunc("/sessions/multistream", s.handleMultistream).Methods("GET")
	api.HandleFunc("/cleanup-exited", s.handleCleanupExited).Methods("POST")

	if s.staticPath != "" {
		// Serve static files with index.html fallback for directories
		r.PathPrefix("/").HandlerFunc(s.serveStaticWithIndex)
	}

	return r
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.unauthorized(w)
			return
		}

		const prefix = "Basic "
		if !strings.HasPrefix(auth, prefix) {
			s.unauthorized(w)
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
		if err != nil {
			s.unauthorized(w)
			return
		}

		parts := strings.SplitN(string(decoded), ":", 2)
		if len(parts) != 2 || parts[0] != "admin" || parts[1] != s.password {
			s.unauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveStaticWithIndex(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// Add CORS headers (like Rust server)
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Clean the path
	if path == "/" {
		path = "/index.html"
	}

	// Log the request for debugging
	debugLog("[DEBUG] Static request: %s -> %s (static path: %s)", r.URL.Path, path, s.staticPath)

	// Try to serve the file
	fullPath := filepath.Join(s.staticPath, filepath.Clean(path))

	// Check if it's a directory
	info, err := os.Stat(fullPath)
	if err == nil && info.IsDir() {
		// Try to serve index.html from the directory
		indexPath := filepath.Join(fullPath, "index.html")
		if _, err := os.Stat(indexPath); err == nil {
			debugLog("[DEBUG] Serving directory index: %s", indexPath)
			http.ServeFile(w, r, indexPath)
			return
		}
	}

	// Check if file exists
	if err == nil && !info.IsDir() {
		// File exists, serve it
		debugLog("[DEBUG] Serving file: %s", fullPath)
		http.ServeFile(w, r, fullPath)
		return
	}

	// File doesn't exist - SPA fallback
	// For any non-existent path, serve the root index.html
	// This allows client-side routing to handle the route
	indexPath := filepath.Join(s.staticPath, "index.html")
	if _, err := os.Stat(indexPath); err == nil {
		debugLog("[DEBUG] SPA fallback - serving index.html for: %s", r.URL.Path)
		http.ServeFile(w, r, indexPath)
		return
	}

	// If even index.html doesn't exist, return 404
	log.Printf("[ERROR] Static path not configured correctly - index.html not found at: %s", indexPath)
	log.Printf("[ERROR] Static path is: %s", s.staticPath)
	http.NotFound(w, r)
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="VibeTunnel"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		log.Printf("Failed to encode health response: %v", err)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Convert to API response format
	type APISessionInfo struct {
		ID           string            `json:"id"`
		Name         string            `json:"name"`
		Command      string            `json:"command"`
		WorkingDir   string            `json:"workingDir"`
		Pid          *int              `json:"pid,omitempty"`
		Status       string            `json:"status"`
		ExitCode     *int              `json:"exitCode,omitempty"`
		StartedAt    time.Time         `json:"startedAt"`
		Term         string            `json:"term"`
		Width        int               `json:"width"`
		Height       int               `json:"height"`
		Env          map[string]string `json:"env,omitempty"`
		LastModified time.Time         `json:"lastModified"`
	}

	apiSessions := make([]APISessionInfo, len(sessions))
	for i, s := range sessions {
		// Convert PID to pointer for omitempty behavior
		var pid *int
		if s.Pid > 0 {
			pid = &s.Pid
		}

		apiSessions[i] = APISessionInfo{
			ID:           s.ID,
			Name:         s.Name,
			Command:      s.Cmdline, // Already a string
			WorkingDir:   s.Cwd,
			Pid:          pid,
			Status:       s.Status,
			ExitCode:     s.ExitCode,
			StartedAt:    s.StartedAt,
			Term:         s.Term,
			Width:        s.Width,
			Height:       s.Height,
			Env:          s.Env,
			LastModified: s.StartedAt, // Use StartedAt as LastModified for now
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(apiSessions); err != nil {
		log.Printf("Failed to encode sessions response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string   `json:"name"`
		Command    []string `json:"command"`    // Rust API format
		WorkingDir string   `json:"workingDir"` // Rust API format
		Cols       int      `json:"cols"`       // Terminal columns
		Rows       int      `json:"rows"`       // Terminal rows
		Term       string   `json:"term"`       // Terminal type (e.g., "ghostty")
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body. Expected JSON with 'command' array and optional 'workingDir'", http.StatusBadRequest)
		return
	}

	if len(req.Command) == 0 {
		http.Error(w, "Command array is required", http.StatusBadRequest)
		return
	}

	cmdline := req.Command
	cwd := req.WorkingDir

	// Set default terminal dimensions if not provided
	cols := req.Cols
	if cols <= 0 {
		cols = 120 // Better default for modern terminals
	}
	rows := req.Rows
	if rows <= 0 {
		rows = 30 // Better default for modern terminals
	}

	// Handle working directory
	if cwd != "" {
		// Expand ~ in working directory
		if cwd[0] == '~' {
			if cwd == "~" || cwd[:2] == "~/" {
				homeDir, err := os.UserHomeDir()
				if err == nil {
					if cwd == "~" {
						cwd = homeDir
					} else {
						cwd = filepath.Join(homeDir, cwd[2:])
					}
				}
			}
		}

		// Validate the working directory exists
		if _, err := os.Stat(cwd); err != nil {
			log.Printf("[WARN] Working directory '%s' not accessible: %v. Using home directory instead.", cwd, err)
			// Fall back to home directory
			homeDir, err := os.UserHomeDir()
			if err != nil {
				log.Printf("[ERROR] Failed to get home directory: %v", err)
				cwd = "" // Let PTY decide the default
			} else {
				cwd = homeDir
			}
		}
	} else {
		// No working directory specified, use home directory
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cwd = homeDir
		}
	}

	// Regular session creation
	sess, err := s.manager.CreateSession(session.Config{
		Name:      req.Name,
		Cmdline:   cmdline,
		Cwd:       cwd,
		Width:     cols,
		Height:    rows,
		IsSpawned: false, // This is not a spawned session (detached)
	})
	if err != nil {
		log.Printf("[ERROR] Failed to create session: %v", err)
		
		// Return structured error response for frontends to parse
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		errorResponse := map[string]interface{}{
			"success": false,
			"error":   err.Error(),
			"details": fmt.Sprintf("Failed to create session with command '%s'", strings.Join(cmdline, " ")),
		}
		
		// Extract more specific error information if available
		if sessionErr, ok := err.(*session.SessionError); ok {
			errorResponse["code"] = string(sessionErr.Code)
			if sessionErr.Code == session.ErrPTYCreationFailed {
				errorResponse["details"] = sessionErr.Message
			}
		}
		
		if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
			log.Printf("Failed to encode error response: %v", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"message":   "Session created successfully",
		"error":     nil,
		"sessionId": sess.ID,
	}); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := s.manager.GetSession(vars["id"])
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	// Get session info and convert to Rust-compatible format
	info := sess.GetInfo()
	if info == nil {
		http.Error(w, "Session info not available", http.StatusInternalServerError)
		return
	}

	// Update status on-demand
	if err := sess.UpdateStatus(); err != nil {
		log.Printf("Failed to update session status: %v", err)
	}

	// Convert to Rust-compatible format like in handleListSessions
	rustInfo := session.RustSessionInfo{
		ID:        info.ID,
		Name:      info.Name,
		Cmdline:   info.Args,
		Cwd:       info.Cwd,
		Status:    info.Status,
		ExitCode:  info.ExitCode,
		Term:      info.Term,
		SpawnType: "pty",
		Cols:      &info.Width,
		Rows:      &info.Height,
		Env:       info.Env,
	}

	if info.Pid > 0 {
		rustInfo.Pid = &info.Pid
	}

	if !info.StartedAt.IsZero() {
		rustInfo.StartedAt = &info.StartedAt
	}

	// Convert to API response format with camelCase like Rust
	response := map[string]interface{}{
		"id":         rustInfo.ID,
		"name":       rustInfo.Name,
		"command":    strings.Join(rustInfo.Cmdline, " "),
		"workingDir": rustInfo.Cwd,
		"pid":        rustInfo.Pid,
		"status":     rustInfo.Status,
		"exitCode":   rustInfo.ExitCode,
		"startedAt":  rustInfo.StartedAt,
		"term":       rustInfo.Term,
		"width":      rustInfo.Cols,
		"height":     rustInfo.Rows,
		"env":        rustInfo.Env,
	}

	// Add lastModified like Rust does
	if stat, err := os.Stat(sess.Path()); err == nil {
		response["lastModified"] = stat.ModTime()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleStreamSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := s.manager.GetSession(vars["id"])
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	streamer := NewSSEStreamer(w, r, sess, s.registry)
	streamer.Stream()
}

func (s *Server) handleSnapshotSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := s.manager.GetSession(vars["id"])
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	snapshot, err := GetSessionSnapshot(sess)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := s.manager.GetSession(vars["id"])
	if err != nil {
		log.Printf("[ERROR] handleSendInput: Session %s not found", vars["id"])
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var req struct {
		Input string `json:"input"`
		Text  string `json:"text"` // Alternative field name
		Type  string `json:"type"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[ERROR] handleSendInput: Failed to decode request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Handle alternative field names for compatibility
	input := req.Input
	if input == "" && req.Text != "" {
		input = req.Text
	}

	// Define special keys exactly as in Swift/macOS version
	specialKeys := map[string]string{
		"arrow_up":    "\x1b[A",
		"arrow_down":  "\x1b[B",
		"arrow_right": "\x1b[C",
		"arrow_left":  "\x1b[D",
		"escape":      "\x1b",
		"enter":       "\r",       // CR, not LF (to match Swift)
		"ctrl_enter":  "\r",       // CR for ctrl+enter
		"shift_enter": "\x1b\x0d", // ESC + CR for shift+enter
	}

	// Check if this is a special key (automatic detection like Swift version)
	if mappedKey, isSpecialKey := specialKeys[input]; isSpecialKey {
		debugLog("[DEBUG] handleSendInput: Sending special key '%s' (%q) to session %s", input, mappedKey, sess.ID[:8])
		err = sess.SendKey(mappedKey)
	} else {
		debugLog("[DEBUG] handleSendInput: Sending text '%s' to session %s", input, sess.ID[:8])
		err = sess.SendText(input)
	}

	if err != nil {
		log.Printf("[ERROR] handleSendInput: Failed to send input: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	debugLog("[DEBUG] handleSendInput: Successfully sent input to session %s", sess.ID[:8])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := s.manager.GetSession(vars["id"])
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	// Update session status before attempting kill
	if err := sess.UpdateStatus(); err != nil {
		log.Printf("Failed to update session status: %v", err)
	}

	// Check if session is already dead
	info := sess.GetInfo()
	if info != nil && info.Status == string(session.StatusExited) {
		// Return 410 Gone for already dead sessions
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": "Session already exited",
		}); err != nil {
			log.Printf("Failed to encode response: %v", err)
		}
		return
	}

	if err := sess.Kill(); err != nil {
		log.Printf("[ERROR] Failed to kill session %s: %v", vars["id"], err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Session deleted successfully",
	}); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.manager.RemoveSession(vars["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanupExited(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveExitedSessions(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMultistream(w http.ResponseWriter, r *http.Request) {
	sessionIDs := r.URL.Query()["session_id"]
	if len(sessionIDs) == 0 {
		http.Error(w, "No session IDs provided", http.StatusBadRequest)
		return
	}

	streamer := NewMultiSSEStreamer(w, s.manager, sessionIDs)
	streamer.Stream()
}
func (s *Server) handleResizeSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := s.manager.GetSession(vars["id"])
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Cols <= 0 || req.Rows <= 0 {
		http.Error(w, "Cols and rows must be positive integers", http.StatusBadRequest)
		return
	}

	// Check if resizing is disabled for all sessions
	if s.doNotAllowColumnSet {
		log.Printf("[INFO] Resize blocked for session %s (--do-not-allow-column-set enabled)", vars["id"][:8])
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"message": "Terminal resizing is disabled by server configuration",
			"error":   "resize_disabled_by_server",
		}); err != nil {
			log.Printf("Failed to encode response: %v", err)
		}
		return
	}

	if err := sess.Resize(req.Cols, req.Rows); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Session resized successfully",
		"cols":    req.Cols,
		"rows":    req.Rows,
	}); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

