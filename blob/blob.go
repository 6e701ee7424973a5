//Package blob stores out-of-line payload fragments under
//content-addressed keys. The relay core splits oversized payloads
//into chunks and records the ordered hash list on the message row;
//reads reassemble by fetching each hash in order.
package blob

import (
	"context"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

//Store is the interface the relay core uses for payload fragments.
//Put must be idempotent for identical content since the key is the
//content address itself.
type Store interface {
	//Put stores the fragment and returns its content address
	Put(ctx context.Context, data []byte) (string, error)

	//Get returns the fragment for a content address
	Get(ctx context.Context, hash string) ([]byte, error)
}

//Address computes the content address for a fragment: the hex form
//of its BLAKE2b-256 digest
func Address(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
