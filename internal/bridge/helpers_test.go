package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mkarren/switchboard/internal/models"
	"github.com/mkarren/switchboard/internal/remote"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// Each pooled connection to :memory: is its own database; keep one.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(
		&models.RemoteAccount{},
		&models.ChannelLink{},
		&models.ChatThread{},
		&models.MessageCorrelation{},
	); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

// sentRequest records one command emitted through a fakeConn.
type sentRequest struct {
	Command string
	Payload any
}

// fakeConn is a scriptable RemoteConn. Responses are served per command;
// commands with no script entry return a success response.
type fakeConn struct {
	mu        sync.Mutex
	requests  []sentRequest
	responses map[string]*remote.Response
	errs      map[string]error
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		responses: make(map[string]*remote.Response),
		errs:      make(map[string]error),
	}
}

func (f *fakeConn) Request(ctx context.Context, command string, payload any, timeout time.Duration) (*remote.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, sentRequest{Command: command, Payload: payload})
	if err, ok := f.errs[command]; ok {
		return nil, err
	}
	if resp, ok := f.responses[command]; ok {
		return resp, nil
	}
	return &remote.Response{Status: "success"}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) sent() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeConn) respondWith(command string, resp *remote.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = resp
}

func (f *fakeConn) failWith(command string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[command] = err
}

// fakeAPI is a scriptable RemoteAPI.
type fakeAPI struct {
	mu          sync.Mutex
	status      remote.ChatStatus
	statusErr   error
	messages    []remote.ChatMessage
	recentCalls int
	lastLimit   int
}

func (f *fakeAPI) Status(ctx context.Context) (*remote.ChatStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	s := f.status
	return &s, nil
}

func (f *fakeAPI) RecentMessages(ctx context.Context, chatID string, limit int) ([]remote.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentCalls++
	f.lastLimit = limit
	msgs := f.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]remote.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// testBridge bundles the components most bridge tests need.
type testBridge struct {
	db       *gorm.DB
	platform *MockPlatform
	registry *Registry
	threads  *ThreadStore
	relay    *Relay
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	db := openTestDB(t)
	platform := NewMockPlatform()
	if err := platform.Connect(context.Background()); err != nil {
		t.Fatalf("connect mock platform: %v", err)
	}

	provisioner, err := NewProvisioner(db, platform, "guild-1")
	if err != nil {
		t.Fatalf("new provisioner: %v", err)
	}
	threads, err := NewThreadStore(db, platform, provisioner)
	if err != nil {
		t.Fatalf("new thread store: %v", err)
	}
	registry := NewRegistry()
	relay, err := NewRelay(RelayOpts{
		DB:          db,
		Platform:    platform,
		Registry:    registry,
		Threads:     threads,
		Provisioner: provisioner,
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return &testBridge{
		db:       db,
		platform: platform,
		registry: registry,
		threads:  threads,
		relay:    relay,
	}
}

// testSession registers a session backed by fakes and returns it.
func (tb *testBridge) testSession(t *testing.T, accountID string) (*Session, *fakeConn, *fakeAPI) {
	t.Helper()
	conn := newFakeConn()
	api := &fakeAPI{}
	s := &Session{
		Conn:        conn,
		Rest:        api,
		OperatorID:  "op-1",
		AccountID:   accountID,
		Credential:  "tok-" + accountID,
		DisplayName: "Hana",
	}
	tb.registry.Register(s)
	return s, conn, api
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
