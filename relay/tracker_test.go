package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnelbroker/msg"
)

//fakeConn is a test delivery handle that records delivered frames
//and can be told to refuse them
type fakeConn struct {
	mu        sync.Mutex
	delivered []msg.Message
	refuse    bool
}

func (c *fakeConn) Deliver(m msg.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refuse {
		return false
	}
	c.delivered = append(c.delivered, m)
	return true
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func TestTrackerMarkLiveAndOffline(t *testing.T) {
	tracker := NewTracker()
	conn := &fakeConn{}

	assert.False(t, tracker.IsLive("mobile:abc"))

	tracker.MarkLive("mobile:abc", "s1", conn)
	assert.True(t, tracker.IsLive("mobile:abc"))

	tracker.MarkOffline("mobile:abc", conn)
	assert.False(t, tracker.IsLive("mobile:abc"))
}

func TestTrackerOfflineIgnoresDisplacedConn(t *testing.T) {
	tracker := NewTracker()
	oldConn := &fakeConn{}
	newConn := &fakeConn{}

	tracker.MarkLive("mobile:abc", "s1", oldConn)
	tracker.MarkLive("mobile:abc", "s2", newConn)

	//The old connection's teardown must not knock the new one offline
	tracker.MarkOffline("mobile:abc", oldConn)
	assert.True(t, tracker.IsLive("mobile:abc"))

	tracker.MarkOffline("mobile:abc", newConn)
	assert.False(t, tracker.IsLive("mobile:abc"))
}

func TestTrackerPublish(t *testing.T) {
	tracker := NewTracker()
	conn := &fakeConn{}
	tracker.MarkLive("web:xyz", "s1", conn)

	frame := msg.Message{MessageID: "m1", FromDeviceID: "mobile:abc", Payload: "cipher"}
	assert.True(t, tracker.Publish("web:xyz", frame))
	assert.Equal(t, 1, conn.count())

	//Offline device: false, not an error
	assert.False(t, tracker.Publish("web:unknown", frame))
}

func TestTrackerPublishDisconnectRace(t *testing.T) {
	tracker := NewTracker()
	conn := &fakeConn{refuse: true}
	tracker.MarkLive("web:xyz", "s1", conn)

	//The device is nominally live but hand-off fails; the expected
	//outcome is false, never a panic or an error
	assert.False(t, tracker.Publish("web:xyz", msg.Message{MessageID: "m1"}))
}

func TestTrackerPongUpdatesLastSeen(t *testing.T) {
	tracker := NewTracker()

	base := time.Unix(1700000000, 0)
	current := base
	tracker.now = func() time.Time { return current }

	tracker.MarkLive("mobile:abc", "s1", &fakeConn{})

	seen, ok := tracker.LastSeen("s1")
	require.True(t, ok)
	assert.Equal(t, base, seen)

	current = base.Add(30 * time.Second)
	tracker.Pong("s1")

	seen, ok = tracker.LastSeen("s1")
	require.True(t, ok)
	assert.Equal(t, base.Add(30*time.Second), seen)

	//Pong for an unknown session is a no-op
	tracker.Pong("s-unknown")
	_, ok = tracker.LastSeen("s-unknown")
	assert.False(t, ok)
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tracker := NewTracker()

	var wg sync.WaitGroup
	devices := []string{"mobile:a", "mobile:b", "web:c", "web:d"}

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			deviceID := devices[i%len(devices)]
			conn := &fakeConn{}

			tracker.MarkLive(deviceID, deviceID+"-session", conn)
			tracker.Publish(deviceID, msg.Message{MessageID: "m"})
			tracker.IsLive(deviceID)
			tracker.Pong(deviceID + "-session")
			tracker.MarkOffline(deviceID, conn)
		}(i)
	}

	wg.Wait()
}
