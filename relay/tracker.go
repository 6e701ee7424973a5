package relay

import (
	"sync"
	"time"

	"tunnelbroker/msg"
)

//Conn is a live delivery handle for a connected device. Deliver
//attempts an immediate hand-off and must not block; it returns false
//when the connection is gone or its buffer is full.
type Conn interface {
	Deliver(m msg.Message) bool
}

type liveEntry struct {
	conn      Conn
	sessionID string
	lastSeen  time.Time
}

//Tracker is the liveness layer: the only component holding live
//connection handles. It is consulted by the relay core and never
//touches storage. Safe for concurrent use from every connection
//goroutine.
type Tracker struct {
	mu       sync.Mutex
	live     map[string]*liveEntry //deviceID -> entry
	sessions map[string]string     //sessionID -> deviceID

	now func() time.Time
}

//NewTracker returns an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		live:     make(map[string]*liveEntry),
		sessions: make(map[string]string),
		now:      time.Now,
	}
}

//MarkLive records the device as connected through the given handle.
//A newer connection for the same device displaces the older entry,
//matching session supersession.
func (t *Tracker) MarkLive(deviceID, sessionID string, c Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.live[deviceID]; ok {
		delete(t.sessions, old.sessionID)
	}

	t.live[deviceID] = &liveEntry{
		conn:      c,
		sessionID: sessionID,
		lastSeen:  t.now(),
	}
	t.sessions[sessionID] = deviceID
}

//MarkOffline removes the device's live entry, but only if it still
//belongs to the given handle. A reconnect that already displaced the
//entry is left alone.
func (t *Tracker) MarkOffline(deviceID string, c Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.live[deviceID]
	if !ok || entry.conn != c {
		return
	}

	delete(t.sessions, entry.sessionID)
	delete(t.live, deviceID)
}

//IsLive reports whether the device currently holds a delivery
//connection
func (t *Tracker) IsLive(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.live[deviceID]
	return ok
}

//Publish attempts immediate in-process delivery to a connected
//device. Returns false, not an error, when the device is offline or
//disconnected concurrently with the attempt; that race is expected.
//The handle is captured under the lock but delivery runs outside it.
func (t *Tracker) Publish(deviceID string, m msg.Message) bool {
	t.mu.Lock()
	entry, ok := t.live[deviceID]
	var conn Conn
	if ok {
		conn = entry.conn
	}
	t.mu.Unlock()

	if conn == nil {
		return false
	}
	return conn.Deliver(m)
}

//Pong refreshes the last-seen clock for a session's device. Used to
//distinguish a dead connection from a transient blip before tearing
//the session down.
func (t *Tracker) Pong(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deviceID, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	if entry, ok := t.live[deviceID]; ok {
		entry.lastSeen = t.now()
	}
}

//LastSeen returns the last keepalive time for a session, if the
//session is currently live
func (t *Tracker) LastSeen(sessionID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deviceID, ok := t.sessions[sessionID]
	if !ok {
		return time.Time{}, false
	}
	entry, ok := t.live[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastSeen, true
}
