// Package identity provides the cryptographic identity used by the
// connection core: ed25519 keypairs, peer ids derived from public keys, and
// blake2b digests for everything that gets signed.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

const (
	// PeerIDSize is the wire width of a peer id. A peer id is the raw
	// ed25519 public key of the peer.
	PeerIDSize = ed25519.PublicKeySize

	// SignatureSize is the wire width of a signature.
	SignatureSize = ed25519.SignatureSize

	// DigestSize is the wire width of a blake2b-256 digest.
	DigestSize = blake2b.Size256
)

var (
	ErrBadPeerIDLength   = errors.New("identity: peer id must be 32 bytes")
	ErrBadSignature      = errors.New("identity: signature verification failed")
	ErrBadSignatureWidth = errors.New("identity: signature must be 64 bytes")
)

// Digest is a blake2b-256 digest. Signing always goes through a digest so
// that signed payloads have a fixed width.
type Digest [DigestSize]byte

// HashData computes the blake2b-256 digest of data.
func HashData(data []byte) Digest {
	return blake2b.Sum256(data)
}

// PeerID identifies a peer. It is comparable, totally ordered via Compare,
// and doubles as the peer's ed25519 public key for signature checks.
type PeerID [PeerIDSize]byte

// PeerIDFromPublicKey derives the peer id of the given public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	var id PeerID
	copy(id[:], pub)
	return id
}

// PeerIDFromBytes parses a peer id from its wire representation.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != PeerIDSize {
		return PeerID{}, ErrBadPeerIDLength
	}

	var id PeerID
	copy(id[:], b)
	return id, nil
}

// Bytes returns the wire representation of the peer id.
func (id PeerID) Bytes() []byte {
	out := make([]byte, PeerIDSize)
	copy(out, id[:])
	return out
}

// Compare orders peer ids lexicographically. It returns -1, 0, or 1.
func (id PeerID) Compare(other PeerID) int {
	return bytes.Compare(id[:], other[:])
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:8])
}

// Verify checks that sig is a valid signature of digest under this peer id.
func (id PeerID) Verify(digest Digest, sig []byte) error {
	if len(sig) != SignatureSize {
		return ErrBadSignatureWidth
	}
	if !ed25519.Verify(ed25519.PublicKey(id[:]), digest[:], sig) {
		return ErrBadSignature
	}
	return nil
}

// KeyPair is a local signing identity. It satisfies the Context capability
// the connection core consumes: it can report its own peer id and sign
// digests.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh random keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{priv: priv, pub: pub}, nil
}

// PeerID returns the peer id derived from the keypair's public key.
func (kp *KeyPair) PeerID() PeerID {
	return PeerIDFromPublicKey(kp.pub)
}

// PublicKey returns the public half of the keypair.
func (kp *KeyPair) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(kp.pub))
	copy(out, kp.pub)
	return out
}

// Sign signs the digest with the keypair's private key.
func (kp *KeyPair) Sign(digest Digest) ([]byte, error) {
	return ed25519.Sign(kp.priv, digest[:]), nil
}
