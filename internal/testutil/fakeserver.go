package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// PromptBody is a request received on the fake server's intake endpoint.
type PromptBody struct {
	Prompt   map[string]json.RawMessage `json:"prompt"`
	ClientID string                     `json:"client_id"`
}

// PromptResponder decides how the fake server answers an intake request.
// It returns the status code and the JSON body to send.
type PromptResponder func(n int, body PromptBody) (int, any)

// FakeServer is an in-process stand-in for the execution server. It serves
// the intake, queue, history, view and system stats endpoints plus the
// WebSocket push channel, and counts hits per endpoint.
type FakeServer struct {
	*httptest.Server
	t *testing.T

	mu        sync.Mutex
	responder PromptResponder
	prompts   []PromptBody
	running   []string
	pending   []string
	queueDown bool
	history   map[string]json.RawMessage
	files     map[string][]byte
	hits      map[string]int
	pushDown  bool
	conns     map[*websocket.Conn]*sync.Mutex
	connected chan string
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// NewFakeServer starts a fake execution server that is shut down when the
// test ends. By default every prompt is accepted with ids "p1", "p2", ...
func NewFakeServer(t *testing.T) *FakeServer {
	t.Helper()
	fs := &FakeServer{
		t:         t,
		history:   map[string]json.RawMessage{},
		files:     map[string][]byte{},
		hits:      map[string]int{},
		conns:     map[*websocket.Conn]*sync.Mutex{},
		connected: make(chan string, 16),
	}
	fs.responder = func(n int, _ PromptBody) (int, any) {
		return http.StatusOK, map[string]any{"prompt_id": "p" + strconv.Itoa(n), "number": n, "node_errors": map[string]any{}}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", fs.handlePrompt)
	mux.HandleFunc("/queue", fs.handleQueue)
	mux.HandleFunc("/history/", fs.handleHistory)
	mux.HandleFunc("/view", fs.handleView)
	mux.HandleFunc("/system_stats", fs.handleSystemStats)
	mux.HandleFunc("/ws", fs.handleWS)

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		fs.DropPush()
		fs.Server.Close()
	})
	return fs
}

// Addr returns host:port of the server.
func (fs *FakeServer) Addr() string {
	return strings.TrimPrefix(fs.URL, "http://")
}

// Hits returns how many requests reached path ("/prompt", "/queue",
// "/history", "/view", "/system_stats" or "/ws").
func (fs *FakeServer) Hits(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hits[path]
}

func (fs *FakeServer) hit(path string) {
	fs.mu.Lock()
	fs.hits[path]++
	fs.mu.Unlock()
}

// RespondToPrompts replaces the intake behaviour.
func (fs *FakeServer) RespondToPrompts(fn PromptResponder) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.responder = fn
}

// Prompts returns the intake requests received so far.
func (fs *FakeServer) Prompts() []PromptBody {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]PromptBody(nil), fs.prompts...)
}

// SetQueue replaces the queue contents.
func (fs *FakeServer) SetQueue(running, pending []string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.running = append([]string(nil), running...)
	fs.pending = append([]string(nil), pending...)
}

// SetQueueDown makes the queue endpoint answer 503.
func (fs *FakeServer) SetQueueDown(down bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.queueDown = down
}

// SetHistory stores the history record returned for promptID.
func (fs *FakeServer) SetHistory(promptID string, record any) {
	raw, err := json.Marshal(record)
	if err != nil {
		fs.t.Fatalf("fake server: encode history: %v", err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.history[promptID] = raw
}

// SetFile stores the payload served by /view for filename.
func (fs *FakeServer) SetFile(filename string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[filename] = data
}

// SetPushDown makes the push endpoint refuse upgrades.
func (fs *FakeServer) SetPushDown(down bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.pushDown = down
}

// WaitForPushClient blocks until a push client connects and returns its
// client id.
func (fs *FakeServer) WaitForPushClient(timeout time.Duration) string {
	fs.t.Helper()
	select {
	case id := <-fs.connected:
		return id
	case <-time.After(timeout):
		fs.t.Fatalf("fake server: no push client connected within %s", timeout)
		return ""
	}
}

// Push sends v as a JSON text frame to every connected push client.
func (fs *FakeServer) Push(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		fs.t.Fatalf("fake server: encode frame: %v", err)
	}
	fs.send(websocket.TextMessage, payload)
}

// PushRaw sends payload as-is to every connected push client.
func (fs *FakeServer) PushRaw(messageType int, payload []byte) {
	fs.send(messageType, payload)
}

// PushEvent sends a {type, data} frame.
func (fs *FakeServer) PushEvent(eventType string, data map[string]any) {
	fs.Push(map[string]any{"type": eventType, "data": data})
}

func (fs *FakeServer) send(messageType int, payload []byte) {
	fs.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(fs.conns))
	for c, wmu := range fs.conns {
		conns[c] = wmu
	}
	fs.mu.Unlock()

	for c, wmu := range conns {
		wmu.Lock()
		_ = c.WriteMessage(messageType, payload)
		wmu.Unlock()
	}
}

// DropPush closes every open push connection.
func (fs *FakeServer) DropPush() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = map[*websocket.Conn]*sync.Mutex{}
	fs.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

// PushClients returns the number of open push connections.
func (fs *FakeServer) PushClients() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fs *FakeServer) handlePrompt(w http.ResponseWriter, r *http.Request) {
	fs.hit("/prompt")
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var body PromptBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"type": "invalid_prompt", "message": err.Error()}})
		return
	}

	fs.mu.Lock()
	fs.prompts = append(fs.prompts, body)
	n := len(fs.prompts)
	responder := fs.responder
	fs.mu.Unlock()

	status, resp := responder(n, body)
	writeJSON(w, status, resp)
}

func (fs *FakeServer) handleQueue(w http.ResponseWriter, _ *http.Request) {
	fs.hit("/queue")
	fs.mu.Lock()
	down := fs.queueDown
	running := entries(fs.running)
	pending := entries(fs.pending)
	fs.mu.Unlock()

	if down {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_running": running, "queue_pending": pending})
}

func entries(ids []string) [][]any {
	out := make([][]any, 0, len(ids))
	for i, id := range ids {
		out = append(out, []any{i, id, map[string]any{}, map[string]any{"client_id": "x"}, []string{"9"}})
	}
	return out
}

func (fs *FakeServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	fs.hit("/history")
	id := strings.TrimPrefix(r.URL.Path, "/history/")

	fs.mu.Lock()
	raw, ok := fs.history[id]
	fs.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{id: raw})
}

func (fs *FakeServer) handleView(w http.ResponseWriter, r *http.Request) {
	fs.hit("/view")
	name := r.URL.Query().Get("filename")

	fs.mu.Lock()
	data, ok := fs.files[name]
	fs.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

func (fs *FakeServer) handleSystemStats(w http.ResponseWriter, _ *http.Request) {
	fs.hit("/system_stats")
	writeJSON(w, http.StatusOK, map[string]any{
		"system":  map[string]any{"os": "posix", "python_version": "3.11.9", "comfyui_version": "0.3.10", "embedded_python": false},
		"devices": []map[string]any{{"name": "cuda:0 Fake GPU", "type": "cuda", "index": 0, "vram_total": 8 << 30, "vram_free": 6 << 30}},
	})
}

func (fs *FakeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	fs.hit("/ws")
	fs.mu.Lock()
	down := fs.pushDown
	fs.mu.Unlock()
	if down {
		http.Error(w, "push channel unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	clientID := r.URL.Query().Get("clientId")

	wmu := &sync.Mutex{}
	fs.mu.Lock()
	fs.conns[conn] = wmu
	fs.mu.Unlock()

	wmu.Lock()
	_ = conn.WriteJSON(map[string]any{
		"type": "status",
		"data": map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 0}}, "sid": clientID},
	})
	wmu.Unlock()

	select {
	case fs.connected <- clientID:
	default:
	}

	// Drain client frames so close handshakes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				fs.mu.Lock()
				delete(fs.conns, conn)
				fs.mu.Unlock()
				_ = conn.Close()
				return
			}
		}
	}()
}
