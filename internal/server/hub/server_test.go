package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/studykit/studysync/internal/server/auth"
	"github.com/studykit/studysync/internal/server/reconcile"
	"github.com/studykit/studysync/internal/server/store"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

func setupServer(t *testing.T) (*Server, *auth.Service) {
	t.Helper()

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	authSvc := auth.NewService("test-secret", time.Hour)

	config := DefaultConfig()
	config.Addr = "127.0.0.1:0"
	server := NewServer(config, authSvc, reconcile.New(st, nil))

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	return server, authSvc
}

// dialSession connects an authenticated session for the given user/device.
func dialSession(t *testing.T, server *Server, authSvc *auth.Service, userID, deviceID string) *websocket.Conn {
	t.Helper()

	token, err := authSvc.IssueToken(userID, deviceID)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/sync?token="+token, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env syncpkg.Envelope) {
	t.Helper()

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) syncpkg.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var env syncpkg.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Failed to unmarshal envelope: %v", err)
	}
	return env
}

func TestRejectsMissingToken(t *testing.T) {
	server, _ := setupServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/sync")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestPingPong(t *testing.T) {
	server, authSvc := setupServer(t)
	conn := dialSession(t, server, authSvc, "user-1", "device-a")

	sendEnvelope(t, conn, syncpkg.NewEnvelope(syncpkg.MessageTypePing, syncpkg.PingData{RequestID: "hb-1"}))

	env := readEnvelope(t, conn)
	if env.Type != syncpkg.MessageTypePong {
		t.Fatalf("Type = %s, want pong", env.Type)
	}

	var pong syncpkg.PongData
	if err := json.Unmarshal(env.Data, &pong); err != nil {
		t.Fatalf("Failed to unmarshal pong: %v", err)
	}
	if pong.RequestID != "hb-1" {
		t.Errorf("RequestID = %s, want hb-1", pong.RequestID)
	}
	if pong.SyncVersion != 0 {
		t.Errorf("SyncVersion = %d, want 0 for a fresh user", pong.SyncVersion)
	}
}

func TestBatchUpdateConfirmsAndFansOut(t *testing.T) {
	server, authSvc := setupServer(t)

	connA := dialSession(t, server, authSvc, "user-1", "device-a")
	connB := dialSession(t, server, authSvc, "user-1", "device-b")

	// A hears about B's arrival; that confirms B is registered before the
	// batch goes out.
	env := readEnvelope(t, connA)
	if env.Type != syncpkg.MessageTypeDeviceStatus {
		t.Fatalf("Type = %s, want device_status", env.Type)
	}
	var status syncpkg.DeviceStatusData
	if err := json.Unmarshal(env.Data, &status); err != nil {
		t.Fatalf("Failed to unmarshal device status: %v", err)
	}
	if status.DeviceID != "device-b" || !status.Online {
		t.Errorf("DeviceStatus = %+v, want device-b online", status)
	}

	ch := syncpkg.NewChangeRecord("device-a", "sess-1", syncpkg.DataTypeProgress,
		syncpkg.ActionCreate, "deck-1", json.RawMessage(`{"watchedSeconds":10}`), time.Now())
	sendEnvelope(t, connA, syncpkg.NewEnvelope(syncpkg.MessageTypeBatchUpdate, syncpkg.BatchUpdateData{
		Batch: syncpkg.ChangeBatch{
			DataType: syncpkg.DataTypeProgress,
			Changes:  []syncpkg.ChangeRecord{ch},
			DeviceID: "device-a",
		},
	}))

	// Origin gets the confirmation.
	env = readEnvelope(t, connA)
	if env.Type != syncpkg.MessageTypeOperationConfirmed {
		t.Fatalf("Type = %s, want operation_confirmed", env.Type)
	}
	var confirmed syncpkg.OperationConfirmedData
	if err := json.Unmarshal(env.Data, &confirmed); err != nil {
		t.Fatalf("Failed to unmarshal confirmation: %v", err)
	}
	if confirmed.OperationID != ch.OperationID {
		t.Errorf("OperationID = %s, want %s", confirmed.OperationID, ch.OperationID)
	}
	if confirmed.SyncVersion != 1 {
		t.Errorf("SyncVersion = %d, want 1", confirmed.SyncVersion)
	}

	// The other session gets the change itself.
	env = readEnvelope(t, connB)
	if env.Type != syncpkg.MessageTypeSyncData {
		t.Fatalf("Type = %s, want sync_data", env.Type)
	}
	var data syncpkg.SyncDataPayload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal sync data: %v", err)
	}
	if data.AggregateID != "deck-1" || data.DeviceID != "device-a" {
		t.Errorf("SyncData = %+v, want deck-1 from device-a", data)
	}
}

func TestFanOutIsScopedToUser(t *testing.T) {
	server, authSvc := setupServer(t)

	connA := dialSession(t, server, authSvc, "user-1", "device-a")
	connOther := dialSession(t, server, authSvc, "user-2", "device-x")

	ch := syncpkg.NewChangeRecord("device-a", "sess-1", syncpkg.DataTypeSettings,
		syncpkg.ActionCreate, "prefs", json.RawMessage(`{"theme":"dark"}`), time.Now())
	sendEnvelope(t, connA, syncpkg.NewEnvelope(syncpkg.MessageTypeBatchUpdate, syncpkg.BatchUpdateData{
		Batch: syncpkg.ChangeBatch{
			DataType: syncpkg.DataTypeSettings,
			Changes:  []syncpkg.ChangeRecord{ch},
			DeviceID: "device-a",
		},
	}))

	if env := readEnvelope(t, connA); env.Type != syncpkg.MessageTypeOperationConfirmed {
		t.Fatalf("Type = %s, want operation_confirmed", env.Type)
	}

	// The other user must see nothing.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, _, err := connOther.Read(ctx); err == nil {
		t.Error("Expected no message for a different user")
	}
}

func TestForceSyncCatchup(t *testing.T) {
	server, authSvc := setupServer(t)
	conn := dialSession(t, server, authSvc, "user-1", "device-a")

	for i := 0; i < 3; i++ {
		ch := syncpkg.NewChangeRecord("device-a", "sess-1", syncpkg.DataTypeStatistics,
			syncpkg.ActionCreate, fmt.Sprintf("day-%d", i), json.RawMessage(`{"reviews":5}`), time.Now())
		sendEnvelope(t, conn, syncpkg.NewEnvelope(syncpkg.MessageTypeBatchUpdate, syncpkg.BatchUpdateData{
			Batch: syncpkg.ChangeBatch{
				DataType: syncpkg.DataTypeStatistics,
				Changes:  []syncpkg.ChangeRecord{ch},
				DeviceID: "device-a",
			},
		}))
		if env := readEnvelope(t, conn); env.Type != syncpkg.MessageTypeOperationConfirmed {
			t.Fatalf("Type = %s, want operation_confirmed", env.Type)
		}
	}

	// A fresh session catches up from version 1.
	conn2 := dialSession(t, server, authSvc, "user-1", "device-b")
	sendEnvelope(t, conn2, syncpkg.NewEnvelope(syncpkg.MessageTypeForceSync, syncpkg.ForceSyncData{
		SinceVersion: 1,
		DeviceID:     "device-b",
	}))

	for _, want := range []string{"day-1", "day-2"} {
		env := readEnvelope(t, conn2)
		if env.Type != syncpkg.MessageTypeSyncData {
			t.Fatalf("Type = %s, want sync_data", env.Type)
		}
		var data syncpkg.SyncDataPayload
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal sync data: %v", err)
		}
		if data.AggregateID != want {
			t.Errorf("AggregateID = %s, want %s", data.AggregateID, want)
		}
	}

	env := readEnvelope(t, conn2)
	if env.Type != syncpkg.MessageTypePong {
		t.Fatalf("Type = %s, want closing pong", env.Type)
	}
	var pong syncpkg.PongData
	if err := json.Unmarshal(env.Data, &pong); err != nil {
		t.Fatalf("Failed to unmarshal pong: %v", err)
	}
	if pong.SyncVersion != 3 {
		t.Errorf("SyncVersion = %d, want 3", pong.SyncVersion)
	}
}

func TestDeviceStatusOnDisconnect(t *testing.T) {
	server, authSvc := setupServer(t)

	connA := dialSession(t, server, authSvc, "user-1", "device-a")
	connB := dialSession(t, server, authSvc, "user-1", "device-b")

	env := readEnvelope(t, connA)
	if env.Type != syncpkg.MessageTypeDeviceStatus {
		t.Fatalf("Type = %s, want device_status", env.Type)
	}

	connB.Close(websocket.StatusNormalClosure, "")

	env = readEnvelope(t, connA)
	if env.Type != syncpkg.MessageTypeDeviceStatus {
		t.Fatalf("Type = %s, want device_status", env.Type)
	}
	var status syncpkg.DeviceStatusData
	if err := json.Unmarshal(env.Data, &status); err != nil {
		t.Fatalf("Failed to unmarshal device status: %v", err)
	}
	if status.DeviceID != "device-b" || status.Online {
		t.Errorf("DeviceStatus = %+v, want device-b offline", status)
	}
}
