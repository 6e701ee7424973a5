package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func testSession(sessionID, deviceID string) *DeviceSession {
	return &DeviceSession{
		SessionID:   sessionID,
		DeviceID:    deviceID,
		AccountID:   "acct-1",
		PublicKey:   "MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQC9Q9wodsQdZ",
		NotifyToken: "hbI93aGAwPF9au0eYsawRz0jtYi4lSFXC9KleyQDg",
		DeviceType:  "phone",
		AppVersion:  "ios:1.1.1",
		DeviceOS:    "iOS 99.99.99",
		Created:     1700000000,
	}
}

func TestSessionPutAndFind(t *testing.T) {
	store := openTestDB(t).Sessions()
	ctx := context.Background()

	item := testSession("bc0c1aa2-bf09-11ec-9d64-0242ac120002", "mobile:EMQNoQ7b2ueEmQ4Qsev")
	require.NoError(t, store.Put(ctx, item))

	found, err := store.Find(ctx, item.SessionID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, item, found)
}

func TestSessionFindMissingIsNone(t *testing.T) {
	store := openTestDB(t).Sessions()

	found, err := store.Find(context.Background(), "no-such-session")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSessionPutOverwritesSameID(t *testing.T) {
	store := openTestDB(t).Sessions()
	ctx := context.Background()

	item := testSession("s1", "mobile:abc")
	require.NoError(t, store.Put(ctx, item))

	item.NotifyToken = "rotated-token"
	item.AppVersion = "ios:1.2.0"
	require.NoError(t, store.Put(ctx, item))

	found, err := store.Find(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "rotated-token", found.NotifyToken)
	assert.Equal(t, "ios:1.2.0", found.AppVersion)
}

func TestSessionFindByDeviceID(t *testing.T) {
	store := openTestDB(t).Sessions()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testSession("s1", "mobile:abc")))
	require.NoError(t, store.Put(ctx, testSession("s2", "web:xyz")))

	found, err := store.FindByDeviceID(ctx, "web:xyz")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "s2", found.SessionID)

	found, err = store.FindByDeviceID(ctx, "web:unknown")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSessionRemoveIsIdempotent(t *testing.T) {
	store := openTestDB(t).Sessions()
	ctx := context.Background()

	item := testSession("s1", "mobile:abc")
	require.NoError(t, store.Put(ctx, item))

	require.NoError(t, store.Remove(ctx, "s1"))

	found, err := store.Find(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, found)

	//Removing an already-removed session is a no-op
	require.NoError(t, store.Remove(ctx, "s1"))
}
