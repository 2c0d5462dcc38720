package bridge

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records one message posted through the MockPlatform.
type SentMessage struct {
	ChannelID string
	MessageID string
	Content   string
	Edits     int
	Deleted   bool
}

// mockThread tracks one simulated thread entity.
type mockThread struct {
	channelID string
	name      string
	exists    bool
	archived  bool
	locked    bool
}

// MockPlatform implements Platform for tests. It records every call and
// lets tests simulate external mutations (channel or thread deletion) and
// inbound guild events.
type MockPlatform struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	events    chan GuildEvent

	channels map[string]string      // name -> channel ID
	threads  map[string]*mockThread // thread ID -> state
	sent     []*SentMessage

	channelCounter int
	threadCounter  int
	messageCounter int

	failCreateChannel bool
	failCreateThread  bool
}

// NewMockPlatform creates a MockPlatform.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		events:   make(chan GuildEvent, 100),
		channels: make(map[string]string),
		threads:  make(map[string]*mockThread),
	}
}

func (m *MockPlatform) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock platform: already closed")
	}
	m.connected = true
	return nil
}

func (m *MockPlatform) Listen(ctx context.Context) (<-chan GuildEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock platform: not connected")
	}
	return m.events, nil
}

func (m *MockPlatform) FindChannelByName(ctx context.Context, guildID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[name], nil
}

func (m *MockPlatform) CreateOperatorChannel(ctx context.Context, guildID, name, operatorID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateChannel {
		return "", fmt.Errorf("mock platform: channel creation failed")
	}
	m.channelCounter++
	id := fmt.Sprintf("channel-%d", m.channelCounter)
	m.channels[name] = id
	return id, nil
}

func (m *MockPlatform) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageCounter++
	id := fmt.Sprintf("msg-%d", m.messageCounter)
	m.sent = append(m.sent, &SentMessage{ChannelID: channelID, MessageID: id, Content: content})
	return id, nil
}

func (m *MockPlatform) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sent {
		if s.MessageID == messageID {
			s.Content = content
			s.Edits++
			return nil
		}
	}
	return fmt.Errorf("mock platform: message %s not found", messageID)
}

func (m *MockPlatform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sent {
		if s.MessageID == messageID {
			s.Deleted = true
			return nil
		}
	}
	return fmt.Errorf("mock platform: message %s not found", messageID)
}

func (m *MockPlatform) CreateThread(ctx context.Context, channelID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateThread {
		return "", fmt.Errorf("mock platform: thread creation failed")
	}
	m.threadCounter++
	id := fmt.Sprintf("thread-%d", m.threadCounter)
	m.threads[id] = &mockThread{channelID: channelID, name: name, exists: true}
	return id, nil
}

func (m *MockPlatform) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	return ok && t.exists, nil
}

func (m *MockPlatform) ArchiveThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || !t.exists {
		return fmt.Errorf("mock platform: thread %s not found", threadID)
	}
	t.archived = true
	return nil
}

func (m *MockPlatform) UnarchiveThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || !t.exists {
		return fmt.Errorf("mock platform: thread %s not found", threadID)
	}
	t.archived = false
	return nil
}

func (m *MockPlatform) LockThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || !t.exists {
		return fmt.Errorf("mock platform: thread %s not found", threadID)
	}
	t.locked = true
	return nil
}

func (m *MockPlatform) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.events)
	return nil
}

// --- Test helpers ---

// SimulateGuildEvent pushes an inbound guild event.
func (m *MockPlatform) SimulateGuildEvent(evt GuildEvent) {
	m.events <- evt
}

// DeleteThreadEntity simulates out-of-band deletion of a thread.
func (m *MockPlatform) DeleteThreadEntity(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		t.exists = false
	}
}

// DeleteChannelEntity simulates out-of-band deletion of a channel.
func (m *MockPlatform) DeleteChannelEntity(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// ThreadState reports (exists, archived, locked) for a thread ID.
func (m *MockPlatform) ThreadState(threadID string) (bool, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return false, false, false
	}
	return t.exists, t.archived, t.locked
}

// SentTo returns the non-deleted messages posted to a channel or thread.
func (m *MockPlatform) SentTo(channelID string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, s := range m.sent {
		if s.ChannelID == channelID && !s.Deleted {
			out = append(out, *s)
		}
	}
	return out
}

// AllSent returns a copy of every recorded message, including deleted ones.
func (m *MockPlatform) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	for i, s := range m.sent {
		out[i] = *s
	}
	return out
}

// FailChannelCreate makes channel creation fail until reset.
func (m *MockPlatform) FailChannelCreate(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreateChannel = fail
}
