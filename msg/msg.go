//Package msg defines the typed frames the broker speaks over its
//websocket connections. Every frame is a JSON object with a "type"
//discriminator; requests carry a client-chosen "id" which the server
//echoes back on the matching response or error frame.
package msg

import (
	"encoding/json"
	"errors"
)

//Type discriminates wire frames
type Type string

//Client-originated frame types
const (
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeNewSession    Type = "new-session"
	TypeResumeSession Type = "resume-session"
	TypeRelay         Type = "relay"
	TypeAck           Type = "ack"
	TypeCheckPrimary  Type = "check-primary"
	TypeBecomePrimary Type = "become-primary"
	TypeLogout        Type = "logout"
)

//Server-originated frame types
const (
	TypeWelcome             Type = "welcome"
	TypePongReply           Type = "pong-reply"
	TypeSessionCreated      Type = "session-created"
	TypeSessionResumed      Type = "session-resumed"
	TypeRelayOK             Type = "relay-ok"
	TypeMessage             Type = "message"
	TypePrimaryStatus       Type = "primary-status"
	TypeBecomePrimaryResult Type = "become-primary-result"
	TypeLogoutOK            Type = "logout-ok"
	TypeError               Type = "error"
)

//ErrUnknown is returned by ParseClient for frame types the protocol
//does not define
var ErrUnknown = errors.New("unknown message type")

//ErrMalformed is returned when a frame fails to decode as JSON or is
//missing its type discriminator
var ErrMalformed = errors.New("malformed message")

func (t Type) String() string { return string(t) }

//Frame is the envelope shared by every wire message
type Frame struct {
	Type Type  `json:"type"`
	ID   int64 `json:"id,omitempty"`
}

//Ping is an echo keepalive, allowed before binding
type Ping struct {
	Frame
	Ping int64 `json:"ping"`
}

//PongReply answers a Ping with the same counter
type PongReply struct {
	Frame
	Pong int64 `json:"pong"`
}

//Pong is the session keepalive acknowledgment; it refreshes the
//liveness tracker's last-seen clock for the session
type Pong struct {
	Frame
}

//NewSession registers a device session, superseding any prior
//session for the same device
type NewSession struct {
	Frame
	DeviceID    string `json:"deviceID"`
	AccountID   string `json:"accountID"`
	PublicKey   string `json:"publicKey"`
	NotifyToken string `json:"notifyToken,omitempty"`
	DeviceType  string `json:"deviceType"`
	AppVersion  string `json:"appVersion"`
	DeviceOS    string `json:"deviceOS"`
}

//ResumeSession re-binds a connection to an existing session using
//the token minted at session creation
type ResumeSession struct {
	Frame
	SessionID string `json:"sessionID"`
	Token     string `json:"token"`
}

//SessionCreated confirms a NewSession and carries the resume token
type SessionCreated struct {
	Frame
	SessionID string `json:"sessionID"`
	Token     string `json:"token"`
}

//SessionResumed confirms a ResumeSession
type SessionResumed struct {
	Frame
	DeviceID string `json:"deviceID"`
}

//Relay submits an encrypted payload for another device. BlobHashes
//may be pre-populated by clients that uploaded fragments themselves.
type Relay struct {
	Frame
	ToDeviceID string   `json:"toDeviceID"`
	Payload    string   `json:"payload"`
	BlobHashes []string `json:"blobHashes,omitempty"`
}

//RelayOK confirms a Relay with the stored message ID
type RelayOK struct {
	Frame
	MessageID string `json:"messageID"`
}

//Message is a delivery frame, used both for live publish and for
//mailbox drain on reconnect. The client confirms with Ack.
type Message struct {
	Frame
	MessageID    string `json:"messageID"`
	FromDeviceID string `json:"fromDeviceID"`
	Payload      string `json:"payload"`
}

//Ack confirms receipt of a delivered Message so the broker can
//drop the queued copy
type Ack struct {
	Frame
	MessageID string `json:"messageID"`
}

//CheckPrimary asks whether the account's primary device is online
type CheckPrimary struct {
	Frame
	AccountID string `json:"accountID"`
}

//PrimaryStatus answers CheckPrimary
type PrimaryStatus struct {
	Frame
	IsOnline bool `json:"isOnline"`
}

//BecomePrimary requests primary-device handoff to DeviceID
type BecomePrimary struct {
	Frame
	AccountID string `json:"accountID"`
	DeviceID  string `json:"deviceID"`
}

//BecomePrimaryResult answers BecomePrimary
type BecomePrimaryResult struct {
	Frame
	Success bool `json:"success"`
}

//Logout terminates the bound session, removing its row. The
//connection returns to the unbound state and may register again.
type Logout struct {
	Frame
}

//LogoutOK confirms a Logout
type LogoutOK struct {
	Frame
}

//Welcome is sent once on connect. A non-nil Error instructs the
//client to disconnect immediately.
type Welcome struct {
	Frame
	MOTD    *string `json:"motd,omitempty"`
	Version *string `json:"version,omitempty"`
	Error   *string `json:"error,omitempty"`
}

//Error reports a failed request. Retryable distinguishes transient
//storage outages from permanent protocol rejections.
type Error struct {
	Frame
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

//ParseClient decodes a raw client frame into its concrete type.
//Returns the frame type, the decoded message, and an error for
//malformed or unknown frames. Unknown types still report their
//parsed type value so the caller can name them in the response.
func ParseClient(src []byte) (Type, interface{}, error) {
	var env Frame
	if err := json.Unmarshal(src, &env); err != nil {
		return "", nil, ErrMalformed
	}
	if env.Type == "" {
		return "", nil, ErrMalformed
	}

	var (
		im  interface{}
		err error
	)

	switch env.Type {
	case TypePing:
		m := Ping{}
		err = json.Unmarshal(src, &m)
		im = m
	case TypePong:
		m := Pong{}
		err = json.Unmarshal(src, &m)
		im = m
	case TypeNewSession:
		m := NewSession{}
		err = json.Unmarshal(src, &m)
		im = m
	case TypeResumeSession:
		m := ResumeSession{}
		err = json.Unmarshal(src, &m)
		im = m
	case TypeRelay:
		m := Relay{}
		err = json.Unmarshal(src, &m)
		im = m
	case TypeAck:
		m := Ack{}
		err = json.Unmarshal(src, &m)
		im = m
	case TypeCheckPrimary:
		m := CheckPrimary{}
		err = json.Unmarshal(src, &m)
		im = m
	case TypeBecomePrimary:
		m := BecomePrimary{}
		err = json.Unmarshal(src, &m)
		im = m
	case TypeLogout:
		m := Logout{}
		err = json.Unmarshal(src, &m)
		im = m
	default:
		return env.Type, nil, ErrUnknown
	}

	if err != nil {
		return env.Type, nil, ErrMalformed
	}
	return env.Type, im, nil
}

//NewServerFrame builds the envelope for a server-originated frame,
//echoing the request ID where one applies
func NewServerFrame(t Type, id int64) Frame {
	return Frame{Type: t, ID: id}
}
