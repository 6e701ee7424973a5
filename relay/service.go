package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tunnelbroker/blob"
	"tunnelbroker/config"
	"tunnelbroker/db"
	"tunnelbroker/errs"
	"tunnelbroker/log"
	"tunnelbroker/msg"
)

//account tracks the derived primary-device pointer for one account.
//The embedded mutex serializes handoff (the one operation needing
//mutual exclusion per account) and session supersession for the
//account's devices.
type account struct {
	mu      sync.Mutex
	primary string
}

//Service is the relay core. It owns every transition of the session
//and mailbox entities; the stores underneath are passive. All
//dependencies are injected at construction and shared safely across
//connection goroutines.
type Service struct {
	sessions *db.SessionStore
	messages *db.MessageStore
	blobs    blob.Store
	tracker  *Tracker
	opts     config.Options

	mu       sync.Mutex
	accounts map[string]*account

	//now is swappable so tests can drive expiry
	now func() time.Time
}

//NewService wires the relay core to its stores and tracker
func NewService(opts config.Options, database *db.DB, blobs blob.Store, tracker *Tracker) *Service {
	return &Service{
		sessions: database.Sessions(),
		messages: database.Messages(),
		blobs:    blobs,
		tracker:  tracker,
		opts:     opts,
		accounts: make(map[string]*account),
		now:      time.Now,
	}
}

//Tracker exposes the liveness layer to the connection handlers
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

//ValidateDeviceID checks the <platform>:<identifier> format
func ValidateDeviceID(deviceID string) error {
	platform, ident, ok := strings.Cut(deviceID, ":")
	if !ok || platform == "" || ident == "" {
		return fmt.Errorf("%w: device ID %q is not <platform>:<identifier>", errs.ErrValidation, deviceID)
	}
	return nil
}

//getAccount returns the account record, creating it with the given
//device as primary when the account is new. The first device an
//account registers becomes its primary.
func (s *Service) getAccount(accountID, firstDeviceID string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		acct = &account{primary: firstDeviceID}
		s.accounts[accountID] = acct
	}
	return acct
}

//findAccount returns the account record without creating one
func (s *Service) findAccount(accountID string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[accountID]
}

//NewSessionParams carries the device registration fields
type NewSessionParams struct {
	DeviceID    string
	AccountID   string
	PublicKey   string
	NotifyToken string
	DeviceType  string
	AppVersion  string
	DeviceOS    string
}

//RegisterSession creates a session for the device, superseding any
//prior session bound to the same device ID. The supersession
//check-then-write runs under the account lock so two concurrent
//registrations for one device cannot both keep their rows.
func (s *Service) RegisterSession(ctx context.Context, p NewSessionParams) (*db.DeviceSession, error) {
	if err := ValidateDeviceID(p.DeviceID); err != nil {
		return nil, err
	}
	if p.AccountID == "" {
		return nil, fmt.Errorf("%w: missing account ID", errs.ErrValidation)
	}
	if p.PublicKey == "" {
		return nil, fmt.Errorf("%w: missing public key", errs.ErrValidation)
	}

	acct := s.getAccount(p.AccountID, p.DeviceID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	old, err := s.sessions.FindByDeviceID(ctx, p.DeviceID)
	if err != nil {
		return nil, err
	}
	if old != nil {
		if err := s.sessions.Remove(ctx, old.SessionID); err != nil {
			return nil, err
		}
	}

	session := &db.DeviceSession{
		SessionID:   uuid.NewString(),
		DeviceID:    p.DeviceID,
		AccountID:   p.AccountID,
		PublicKey:   p.PublicKey,
		NotifyToken: p.NotifyToken,
		DeviceType:  p.DeviceType,
		AppVersion:  p.AppVersion,
		DeviceOS:    p.DeviceOS,
		Created:     s.now().Unix(),
	}
	if err := s.sessions.Put(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

//ResumeSession looks up an existing session for a reconnecting
//device. The broker keeps no primary state across restarts, so the
//account record is re-derived here when absent.
func (s *Service) ResumeSession(ctx context.Context, sessionID string) (*db.DeviceSession, error) {
	session, err := s.sessions.Find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
	}

	s.getAccount(session.AccountID, session.DeviceID)
	return session, nil
}

//Logout terminates the session, removing its row. Idempotent.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.Remove(ctx, sessionID)
}

//RelayMessage persists a message for the recipient and then attempts
//immediate delivery. Persistence always precedes the delivery
//attempt: on confirmed hand-off the stored copy is removed, on
//failure or uncertainty it stays queued for the next drain. Returns
//the message ID.
func (s *Service) RelayMessage(ctx context.Context, fromDeviceID, toDeviceID, payload string, blobHashes []string) (string, error) {
	if err := ValidateDeviceID(fromDeviceID); err != nil {
		return "", err
	}
	if err := ValidateDeviceID(toDeviceID); err != nil {
		return "", err
	}
	if payload == "" && len(blobHashes) == 0 {
		return "", fmt.Errorf("%w: empty payload", errs.ErrValidation)
	}

	stored := payload
	hashes := blobHashes
	if len(hashes) == 0 && uint(len(payload)) > s.opts.Blob.InlineLimit {
		var err error
		hashes, err = s.splitPayload(ctx, payload)
		if err != nil {
			return "", err
		}
		stored = ""
	}

	now := s.now()
	item := &db.MailboxMessage{
		MessageID:    uuid.NewString(),
		FromDeviceID: fromDeviceID,
		ToDeviceID:   toDeviceID,
		Payload:      stored,
		BlobHashes:   hashes,
		Expire:       now.Add(time.Duration(s.opts.Broker.MessageTTL) * time.Second).Unix(),
		ServerRX:     now.Unix(),
	}
	if err := s.messages.Put(ctx, item); err != nil {
		return "", err
	}

	//Optimistic immediate delivery. When the sender supplied blob
	//hashes instead of inline content the payload must be reassembled
	//first; delivering the empty inline value would lose the content
	//once the confirmed hand-off removes the row.
	deliverable := payload
	if deliverable == "" && len(hashes) > 0 {
		reassembled, err := s.reassemblePayload(ctx, item)
		if err != nil {
			//Stays queued; drain retries the reassembly
			log.Err("failed to reassemble payload for live delivery", err)
			return item.MessageID, nil
		}
		deliverable = reassembled
	}

	delivered := s.tracker.Publish(toDeviceID, msg.Message{
		Frame:        msg.Frame{Type: msg.TypeMessage},
		MessageID:    item.MessageID,
		FromDeviceID: fromDeviceID,
		Payload:      deliverable,
	})
	if delivered {
		if err := s.messages.Remove(ctx, item.MessageID); err != nil {
			//Leaving the row queued only risks a duplicate on the
			//next drain; at-least-once still holds
			log.Err("failed to remove message after live delivery", err)
		}
	}

	return item.MessageID, nil
}

//splitPayload chunks an oversized payload into content-addressed
//blobs, returning the ordered hash list
func (s *Service) splitPayload(ctx context.Context, payload string) ([]string, error) {
	chunkSize := int(s.opts.Blob.ChunkSize)
	data := []byte(payload)

	var hashes []string
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		hash, err := s.blobs.Put(ctx, data[off:end])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

//reassemblePayload fetches the ordered blob fragments for a message
//whose payload was stored out-of-line
func (s *Service) reassemblePayload(ctx context.Context, item *db.MailboxMessage) (string, error) {
	if item.Payload != "" || len(item.BlobHashes) == 0 {
		return item.Payload, nil
	}

	var b strings.Builder
	for _, hash := range item.BlobHashes {
		data, err := s.blobs.Get(ctx, hash)
		if err != nil {
			return "", err
		}
		b.Write(data)
	}
	return b.String(), nil
}

//DrainMailbox returns every unexpired queued message for the device
//in insertion order, payloads reassembled. Messages stay queued
//until the device acknowledges each one (AckMessage); hand-off alone
//does not delete.
func (s *Service) DrainMailbox(ctx context.Context, deviceID string) ([]db.MailboxMessage, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	msgs, err := s.messages.FindByRecipient(ctx, deviceID, s.now().Unix())
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		payload, err := s.reassemblePayload(ctx, &msgs[i])
		if err != nil {
			return nil, err
		}
		msgs[i].Payload = payload
	}
	return msgs, nil
}

//AckMessage confirms delivery of a drained message and drops the
//queued copy. The delete is scoped to the acking device so a device
//cannot remove mail addressed to someone else. A message already
//removed (by the live path or the sweep) is a no-op.
func (s *Service) AckMessage(ctx context.Context, deviceID, messageID string) error {
	return s.messages.RemoveForRecipient(ctx, messageID, deviceID)
}

//ExpirySweep removes every message past its expiry. Idempotent and
//safe to run concurrently with delivery; both sides treat
//not-found-on-delete as success.
func (s *Service) ExpirySweep(ctx context.Context) (int64, error) {
	return s.messages.RemoveExpired(ctx, s.now().Unix())
}

//CheckIfPrimaryDeviceOnline reports whether the account's designated
//primary device currently holds a live connection. No side effects.
func (s *Service) CheckIfPrimaryDeviceOnline(accountID string) (bool, error) {
	acct := s.findAccount(accountID)
	if acct == nil {
		return false, fmt.Errorf("%w: %s", errs.ErrUnknownAccount, accountID)
	}

	acct.mu.Lock()
	primary := acct.primary
	acct.mu.Unlock()

	return s.tracker.IsLive(primary), nil
}

//BecomeNewPrimaryDevice hands primary status to the requesting
//device, provided the current primary is offline. Serialized per
//account: two concurrent requests yield one success and one
//ErrPrimaryStillActive, never two successes.
func (s *Service) BecomeNewPrimaryDevice(accountID, requestingDeviceID string) error {
	if err := ValidateDeviceID(requestingDeviceID); err != nil {
		return err
	}

	acct := s.findAccount(accountID)
	if acct == nil {
		return fmt.Errorf("%w: %s", errs.ErrUnknownAccount, accountID)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.primary != requestingDeviceID && s.tracker.IsLive(acct.primary) {
		return errs.ErrPrimaryStillActive
	}

	acct.primary = requestingDeviceID
	return nil
}

//PrimaryDevice returns the current primary pointer for an account
func (s *Service) PrimaryDevice(accountID string) (string, error) {
	acct := s.findAccount(accountID)
	if acct == nil {
		return "", fmt.Errorf("%w: %s", errs.ErrUnknownAccount, accountID)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.primary, nil
}

//SendPong is the keepalive acknowledgment: it refreshes the
//session's last-seen clock in the liveness tracker and never touches
//persistent storage
func (s *Service) SendPong(sessionID string) {
	s.tracker.Pong(sessionID)
}
