package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"tunnelbroker/auth"
	"tunnelbroker/errs"
	"tunnelbroker/msg"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second

	pingInterval = (readWait * 9) / 10

	//Inline payloads above the blob split threshold never cross the
	//wire, so frames stay well under this
	maxMessageSize = 1 << 20

	sendBufferSize = 64
)

//Client wraps one device's websocket connection with a send buffer
//and the session it bound. A connection stays unbound (session
//fields empty) until new-session or resume-session succeeds.
type Client struct {
	conn       *websocket.Conn
	sendBuffer chan interface{}
	done       chan struct{}
	server     *Server

	SessionID string
	DeviceID  string
	AccountID string
}

//IsBound returns true if the client has established a session
func (c *Client) IsBound() bool {
	return c.SessionID != ""
}

//Deliver implements the tracker's Conn handle: a non-blocking
//hand-off to the write pump. False means the device disconnected or
//its buffer is saturated; the caller leaves the message queued.
func (c *Client) Deliver(m msg.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.sendBuffer <- m:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

//Close marks the client dead so pending Deliver calls fail fast.
//Safe to call more than once via the server's unregister path.
func (c *Client) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.conn.Close()
}

//send queues a server frame for the write pump, dropping it if the
//connection is already gone
func (c *Client) send(frame interface{}) {
	select {
	case c.sendBuffer <- frame:
	case <-c.done:
	}
}

func (c *Client) watchReads() {
	defer func() {
		if c.IsBound() {
			c.server.service.Tracker().MarkOffline(c.DeviceID, c)
		}
		c.server.unregister <- c
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	//Transport-level pong just extends the connection life; the
	//protocol-level pong frame additionally feeds the tracker
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				LogErr(c, "reading from socket connection", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		c.OnMessage(message)
	}
}

func (c *Client) watchWrites() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.sendBuffer:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if err = json.NewEncoder(w).Encode(frame); err != nil {
				LogErr(c, "failed to encode frame", err)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

//OnConnect sends the welcome frame once the client is registered
func (c *Client) OnConnect() {
	c.send(c.server.welcome())
}

//OnMessage decodes one client frame, enforces the bind requirement,
//and dispatches it. Every failure is answered with a typed error
//frame carrying the retryable classification; the façade itself does
//no business logic.
func (c *Client) OnMessage(src []byte) {
	mt, im, err := msg.ParseClient(src)
	if err == msg.ErrUnknown {
		c.sendError(0, errs.ErrUnimplemented)
		return
	}
	if err != nil {
		c.sendError(0, errs.ErrValidation)
		return
	}

	if !c.IsBound() && mt != msg.TypePing && mt != msg.TypeNewSession && mt != msg.TypeResumeSession {
		c.sendError(requestID(im), errs.ErrSessionRequired)
		return
	}

	switch mt {
	case msg.TypePing:
		c.handlePing(im.(msg.Ping))
	case msg.TypePong:
		c.server.service.SendPong(c.SessionID)
	case msg.TypeNewSession:
		c.handleNewSession(im.(msg.NewSession))
	case msg.TypeResumeSession:
		c.handleResumeSession(im.(msg.ResumeSession))
	case msg.TypeRelay:
		c.handleRelay(im.(msg.Relay))
	case msg.TypeAck:
		c.handleAck(im.(msg.Ack))
	case msg.TypeCheckPrimary:
		c.handleCheckPrimary(im.(msg.CheckPrimary))
	case msg.TypeBecomePrimary:
		c.handleBecomePrimary(im.(msg.BecomePrimary))
	case msg.TypeLogout:
		c.handleLogout(im.(msg.Logout))
	default:
		c.sendError(requestID(im), errs.ErrUnimplemented)
	}
}

func requestID(im interface{}) int64 {
	switch m := im.(type) {
	case msg.Ping:
		return m.ID
	case msg.Pong:
		return m.ID
	case msg.NewSession:
		return m.ID
	case msg.ResumeSession:
		return m.ID
	case msg.Relay:
		return m.ID
	case msg.Ack:
		return m.ID
	case msg.CheckPrimary:
		return m.ID
	case msg.BecomePrimary:
		return m.ID
	case msg.Logout:
		return m.ID
	}
	return 0
}

func (c *Client) sendError(id int64, err error) {
	c.send(msg.Error{
		Frame:     msg.NewServerFrame(msg.TypeError, id),
		Code:      errs.Code(err),
		Message:   err.Error(),
		Retryable: errs.Retryable(err),
	})
}

func (c *Client) handlePing(m msg.Ping) {
	c.send(msg.PongReply{
		Frame: msg.NewServerFrame(msg.TypePongReply, m.ID),
		Pong:  m.Ping,
	})
	LogDebugf(c, "received ping %d", m.Ping)
}

func (c *Client) handleNewSession(m msg.NewSession) {
	session, err := c.server.service.RegisterSession(c.ctx(), relayParams(m))
	if err != nil {
		c.sendError(m.ID, err)
		return
	}

	token, err := auth.GenerateToken(session.SessionID, session.DeviceID, c.server.tokenSecret, 0)
	if err != nil {
		LogErr(c, "failed to mint session token", err)
		c.sendError(m.ID, err)
		return
	}

	c.bind(session.SessionID, session.DeviceID, session.AccountID)
	LogInfof(c, "created session %s", session.SessionID)

	c.send(msg.SessionCreated{
		Frame:     msg.NewServerFrame(msg.TypeSessionCreated, m.ID),
		SessionID: session.SessionID,
		Token:     token,
	})

	c.drain()
}

func relayParams(m msg.NewSession) NewSessionParams {
	return NewSessionParams{
		DeviceID:    m.DeviceID,
		AccountID:   m.AccountID,
		PublicKey:   m.PublicKey,
		NotifyToken: m.NotifyToken,
		DeviceType:  m.DeviceType,
		AppVersion:  m.AppVersion,
		DeviceOS:    m.DeviceOS,
	}
}

func (c *Client) handleResumeSession(m msg.ResumeSession) {
	sessionID, _, err := auth.VerifyToken(m.Token, c.server.tokenSecret)
	if err != nil || sessionID != m.SessionID {
		c.sendError(m.ID, errs.ErrBadToken)
		return
	}

	session, err := c.server.service.ResumeSession(c.ctx(), m.SessionID)
	if err != nil {
		c.sendError(m.ID, err)
		return
	}

	c.bind(session.SessionID, session.DeviceID, session.AccountID)
	LogInfof(c, "resumed session %s", session.SessionID)

	c.send(msg.SessionResumed{
		Frame:    msg.NewServerFrame(msg.TypeSessionResumed, m.ID),
		DeviceID: session.DeviceID,
	})

	c.drain()
}

//bind ties the connection to a session and marks the device live.
//The device transitions to ACTIVE here; a queued-mailbox drain
//always follows.
func (c *Client) bind(sessionID, deviceID, accountID string) {
	c.SessionID = sessionID
	c.DeviceID = deviceID
	c.AccountID = accountID
	c.server.service.Tracker().MarkLive(deviceID, sessionID, c)
}

//drain streams the queued mailbox to the freshly bound device. Each
//message stays persisted until the client acks it.
func (c *Client) drain() {
	msgs, err := c.server.service.DrainMailbox(c.ctx(), c.DeviceID)
	if err != nil {
		LogErr(c, "failed to drain mailbox", err)
		c.sendError(0, err)
		return
	}

	for _, item := range msgs {
		c.send(msg.Message{
			Frame:        msg.NewServerFrame(msg.TypeMessage, 0),
			MessageID:    item.MessageID,
			FromDeviceID: item.FromDeviceID,
			Payload:      item.Payload,
		})
	}
	if len(msgs) > 0 {
		LogInfof(c, "drained %d queued messages", len(msgs))
	}
}

func (c *Client) handleRelay(m msg.Relay) {
	messageID, err := c.server.service.RelayMessage(c.ctx(), c.DeviceID, m.ToDeviceID, m.Payload, m.BlobHashes)
	if err != nil {
		c.sendError(m.ID, err)
		return
	}

	c.send(msg.RelayOK{
		Frame:     msg.NewServerFrame(msg.TypeRelayOK, m.ID),
		MessageID: messageID,
	})
}

func (c *Client) handleAck(m msg.Ack) {
	if err := c.server.service.AckMessage(c.ctx(), c.DeviceID, m.MessageID); err != nil {
		c.sendError(m.ID, err)
	}
}

func (c *Client) handleCheckPrimary(m msg.CheckPrimary) {
	online, err := c.server.service.CheckIfPrimaryDeviceOnline(m.AccountID)
	if err != nil {
		c.sendError(m.ID, err)
		return
	}

	c.send(msg.PrimaryStatus{
		Frame:    msg.NewServerFrame(msg.TypePrimaryStatus, m.ID),
		IsOnline: online,
	})
}

func (c *Client) handleBecomePrimary(m msg.BecomePrimary) {
	err := c.server.service.BecomeNewPrimaryDevice(m.AccountID, m.DeviceID)
	if err != nil && !errors.Is(err, errs.ErrPrimaryStillActive) {
		c.sendError(m.ID, err)
		return
	}

	c.send(msg.BecomePrimaryResult{
		Frame:   msg.NewServerFrame(msg.TypeBecomePrimaryResult, m.ID),
		Success: err == nil,
	})
}

//handleLogout terminates the bound session and returns the
//connection to the unbound state
func (c *Client) handleLogout(m msg.Logout) {
	if err := c.server.service.Logout(c.ctx(), c.SessionID); err != nil {
		c.sendError(m.ID, err)
		return
	}

	c.server.service.Tracker().MarkOffline(c.DeviceID, c)
	LogInfof(c, "terminated session %s", c.SessionID)

	c.SessionID = ""
	c.DeviceID = ""
	c.AccountID = ""

	c.send(msg.LogoutOK{Frame: msg.NewServerFrame(msg.TypeLogoutOK, m.ID)})
}

func (c *Client) ctx() context.Context {
	return context.Background()
}
