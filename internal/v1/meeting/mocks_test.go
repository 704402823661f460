package meeting

import (
	"sync"

	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/types"
)

// MockClient implements types.ClientInterface for registry tests. It records
// every enqueued message so tests can assert broadcast delivery counts.
type MockClient struct {
	mu           sync.Mutex
	ID           types.ParticipantID
	Name         types.DisplayName
	State        types.ConnState
	Code         types.MeetingCode
	Muted        bool
	CameraOn     bool
	Disconnected bool
	Sent         []*protocol.Message
}

func NewMockClient(id types.ParticipantID, name string) *MockClient {
	return &MockClient{ID: id, Name: types.DisplayName(name), State: types.StateUnbound}
}

func (c *MockClient) GetID() types.ParticipantID          { return c.ID }
func (c *MockClient) GetDisplayName() types.DisplayName   { return c.Name }
func (c *MockClient) SetDisplayName(n types.DisplayName)  { c.Name = n }
func (c *MockClient) GetIsMuted() bool                    { return c.Muted }
func (c *MockClient) SetIsMuted(v bool)                   { c.Muted = v }
func (c *MockClient) GetIsCameraOn() bool                 { return c.CameraOn }
func (c *MockClient) SetIsCameraOn(v bool)                { c.CameraOn = v }

func (c *MockClient) GetState() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

func (c *MockClient) SetState(s types.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = s
}

func (c *MockClient) GetMeetingCode() types.MeetingCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Code
}

func (c *MockClient) SetMeetingCode(code types.MeetingCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Code = code
}

func (c *MockClient) Enqueue(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, msg)
}

func (c *MockClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Disconnected = true
}

// SentOfType returns the recorded messages with the given type.
func (c *MockClient) SentOfType(msgType string) []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Message
	for _, m := range c.Sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}
