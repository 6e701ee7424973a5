package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnelbroker/blob"
	"tunnelbroker/config"
	"tunnelbroker/db"
	"tunnelbroker/errs"
)

type brokerFixture struct {
	server *Server
	wsURL  string
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()

	database, err := db.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	opts := config.DefaultOptions
	opts.Broker.TokenSecret = "test-secret-test-secret-test-sec"
	opts.Broker.WelcomeMOTD = "hello"

	server := NewServer(opts, database, blob.NewMemoryStore())
	go server.runBroker()
	t.Cleanup(func() { close(server.done) })

	ts := httptest.NewServer(server.router)
	t.Cleanup(ts.Close)

	return &brokerFixture{
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1",
	}
}

func (f *brokerFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return ws
}

//await reads frames until one of the wanted type arrives, skipping
//the welcome frame whose ordering against the first response is not
//fixed. Any other frame type fails the test.
func await(t *testing.T, ws *websocket.Conn, want string) map[string]interface{} {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)

		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &frame))

		frameType, _ := frame["type"].(string)
		if frameType == want {
			return frame
		}
		if frameType == "welcome" {
			continue
		}
		t.Fatalf("expected frame %q, got %q: %s", want, frameType, raw)
	}
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func newSession(t *testing.T, ws *websocket.Conn, deviceID, accountID string) (sessionID, token string) {
	t.Helper()

	sendFrame(t, ws, map[string]interface{}{
		"type": "new-session", "id": 1,
		"deviceID": deviceID, "accountID": accountID,
		"publicKey": "pk-" + deviceID, "deviceType": "phone",
		"appVersion": "1.0", "deviceOS": "iOS",
	})

	created := await(t, ws, "session-created")
	sessionID, _ = created["sessionID"].(string)
	token, _ = created["token"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, token)
	return sessionID, token
}

func TestBrokerEndToEndRelayAndDrain(t *testing.T) {
	f := newBrokerFixture(t)

	//Device A registers and relays to the still-offline device B
	wsA := f.dial(t)
	newSession(t, wsA, "mobile:abc", "acct-1")

	sendFrame(t, wsA, map[string]interface{}{
		"type": "relay", "id": 2,
		"toDeviceID": "web:xyz", "payload": "ciphertext",
	})
	ok := await(t, wsA, "relay-ok")
	messageID, _ := ok["messageID"].(string)
	require.NotEmpty(t, messageID)

	//Device B connects; binding drains the queued message
	wsB := f.dial(t)
	newSession(t, wsB, "web:xyz", "acct-1")

	delivery := await(t, wsB, "message")
	assert.Equal(t, messageID, delivery["messageID"])
	assert.Equal(t, "mobile:abc", delivery["fromDeviceID"])
	assert.Equal(t, "ciphertext", delivery["payload"])

	sendFrame(t, wsB, map[string]interface{}{
		"type": "ack", "id": 3, "messageID": messageID,
	})

	//Live path: A relays again, B is connected now
	sendFrame(t, wsA, map[string]interface{}{
		"type": "relay", "id": 4,
		"toDeviceID": "web:xyz", "payload": "second",
	})
	await(t, wsA, "relay-ok")

	live := await(t, wsB, "message")
	assert.Equal(t, "second", live["payload"])
}

func TestBrokerPrimaryHandoffFlow(t *testing.T) {
	f := newBrokerFixture(t)

	wsA := f.dial(t)
	newSession(t, wsA, "mobile:abc", "acct-1")

	wsB := f.dial(t)
	newSession(t, wsB, "web:xyz", "acct-1")

	//A registered first, so A is primary and online
	sendFrame(t, wsB, map[string]interface{}{
		"type": "check-primary", "id": 1, "accountID": "acct-1",
	})
	status := await(t, wsB, "primary-status")
	assert.Equal(t, true, status["isOnline"])

	//Handoff while the primary is online is rejected
	sendFrame(t, wsB, map[string]interface{}{
		"type": "become-primary", "id": 2,
		"accountID": "acct-1", "deviceID": "web:xyz",
	})
	result := await(t, wsB, "become-primary-result")
	assert.Equal(t, false, result["success"])

	//Primary disconnects; its liveness entry goes away
	wsA.Close()
	require.Eventually(t, func() bool {
		online, err := f.server.Service().CheckIfPrimaryDeviceOnline("acct-1")
		return err == nil && !online
	}, 5*time.Second, 10*time.Millisecond)

	sendFrame(t, wsB, map[string]interface{}{
		"type": "become-primary", "id": 3,
		"accountID": "acct-1", "deviceID": "web:xyz",
	})
	result = await(t, wsB, "become-primary-result")
	assert.Equal(t, true, result["success"])

	primary, err := f.server.Service().PrimaryDevice("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "web:xyz", primary)
}

func TestBrokerResumeSession(t *testing.T) {
	f := newBrokerFixture(t)

	ws := f.dial(t)
	sessionID, token := newSession(t, ws, "mobile:abc", "acct-1")
	ws.Close()

	again := f.dial(t)
	sendFrame(t, again, map[string]interface{}{
		"type": "resume-session", "id": 1,
		"sessionID": sessionID, "token": token,
	})
	resumed := await(t, again, "session-resumed")
	assert.Equal(t, "mobile:abc", resumed["deviceID"])

	//A forged token is rejected
	third := f.dial(t)
	sendFrame(t, third, map[string]interface{}{
		"type": "resume-session", "id": 2,
		"sessionID": sessionID, "token": "forged",
	})
	errFrame := await(t, third, "error")
	assert.Equal(t, errs.CodeBadToken, errFrame["code"])
	assert.Equal(t, false, errFrame["retryable"])
}

func TestBrokerLogoutTerminatesSession(t *testing.T) {
	f := newBrokerFixture(t)

	ws := f.dial(t)
	sessionID, token := newSession(t, ws, "mobile:abc", "acct-1")

	sendFrame(t, ws, map[string]interface{}{"type": "logout", "id": 2})
	await(t, ws, "logout-ok")

	//The connection is unbound again
	sendFrame(t, ws, map[string]interface{}{
		"type": "relay", "id": 3,
		"toDeviceID": "web:xyz", "payload": "ciphertext",
	})
	errFrame := await(t, ws, "error")
	assert.Equal(t, errs.CodeSessionRequired, errFrame["code"])

	//The session row is gone, so the old token cannot resume it
	again := f.dial(t)
	sendFrame(t, again, map[string]interface{}{
		"type": "resume-session", "id": 1,
		"sessionID": sessionID, "token": token,
	})
	errFrame = await(t, again, "error")
	assert.Equal(t, errs.CodeNotFound, errFrame["code"])
}

func TestBrokerRequiresSessionBeforeRelay(t *testing.T) {
	f := newBrokerFixture(t)

	ws := f.dial(t)
	sendFrame(t, ws, map[string]interface{}{
		"type": "relay", "id": 1,
		"toDeviceID": "web:xyz", "payload": "ciphertext",
	})

	errFrame := await(t, ws, "error")
	assert.Equal(t, errs.CodeSessionRequired, errFrame["code"])
}

func TestBrokerUnknownTypeIsUnimplemented(t *testing.T) {
	f := newBrokerFixture(t)

	ws := f.dial(t)
	sendFrame(t, ws, map[string]interface{}{"type": "open-mailbox", "id": 1})

	errFrame := await(t, ws, "error")
	assert.Equal(t, errs.CodeUnimplemented, errFrame["code"])
	assert.Equal(t, false, errFrame["retryable"])
}

func TestBrokerPingBeforeBinding(t *testing.T) {
	f := newBrokerFixture(t)

	ws := f.dial(t)
	sendFrame(t, ws, map[string]interface{}{"type": "ping", "id": 1, "ping": 42})

	reply := await(t, ws, "pong-reply")
	assert.Equal(t, float64(42), reply["pong"])
}
