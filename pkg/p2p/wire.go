package p2p

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/sha3"

	"github.com/gavelnet/gavel/pkg/raft"
)

// Raft RPCs ride libp2p bidirectional streams as single gob frames:
// the caller encodes the request, half-closes, and decodes the response.

func writeFrame(w io.Writer, v any) error {
	return gob.NewEncoder(w).Encode(v)
}

func readFrame(r io.Reader, v any) error {
	return gob.NewDecoder(r).Decode(v)
}

// identityFor derives a replica's libp2p keypair from its raft ID: the
// ed25519 seed is sha3-256 of the ID string. A static replica table
// therefore implies static peer IDs, and every node can compute every
// other node's peer ID without a handshake.
func identityFor(id raft.NodeID) (crypto.PrivKey, error) {
	seed := sha3.Sum256([]byte(id))
	priv, _, err := crypto.GenerateEd25519Key(newSeedReader(seed[:]))
	if err != nil {
		return nil, fmt.Errorf("p2p: derive identity for %s: %w", id, err)
	}
	return priv, nil
}

// peerIDFor computes the peer ID a replica with the given raft ID will have.
func peerIDFor(id raft.NodeID) (peer.ID, error) {
	priv, err := identityFor(id)
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(priv)
}

// seedReader feeds exactly the seed bytes to the key generator.
type seedReader struct {
	seed []byte
	off  int
}

func newSeedReader(seed []byte) *seedReader { return &seedReader{seed: seed} }

func (r *seedReader) Read(p []byte) (int, error) {
	if r.off >= len(r.seed) {
		return 0, io.EOF
	}
	n := copy(p, r.seed[r.off:])
	r.off += n
	return n, nil
}
