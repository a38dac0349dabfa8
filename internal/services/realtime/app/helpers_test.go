package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/vernite/realtime/internal/services/audit/storage/memory"
	"github.com/vernite/realtime/internal/services/realtime/packet"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:0"
	}
	if cfg.JWTSecret == "" && !cfg.AllowAnonymous {
		cfg.JWTSecret = testSecret
	}
	server, err := New(cfg, Deps{Store: memory.New()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return server, srv
}

func signToken(t *testing.T, userID string, rooms ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Rooms: rooms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func dialWS(srv *httptest.Server, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		return nil, err
	}
	if token != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DialConfig(cfg)
}

func mustDialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, err := dialWS(srv, token)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ packet.Type, requestID string, payload any) {
	t.Helper()
	frame, err := packet.New(typ, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	frame.RequestID = requestID
	raw, err := packet.Encode(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := websocket.Message.Send(conn, string(raw)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) packet.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw []byte
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("receive frame: %v", err)
	}
	var frame packet.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return frame
}

// readUntil skips frames until one of typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ packet.Type) packet.Frame {
	t.Helper()
	for range 10 {
		if frame := readFrame(t, conn); frame.Type == typ {
			return frame
		}
	}
	t.Fatalf("no %s frame received", typ)
	return packet.Frame{}
}

func decodePayload[T any](t *testing.T, frame packet.Frame) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
	return payload
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	writeFrame(t, conn, packet.TypeRoomJoin, "join-"+room, packet.RoomPayload{Room: room})
	ack := readUntil(t, conn, packet.TypeAck)
	if got := decodePayload[packet.AckPayload](t, ack); got.Status != "joined" {
		t.Fatalf("join status = %q, want joined", got.Status)
	}
}

func postJSON(t *testing.T, srv *httptest.Server, path, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}
