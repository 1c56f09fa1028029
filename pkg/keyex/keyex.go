// Package keyex implements the client half of the room key-exchange
// protocol: every member that holds the room key helps every member that
// does not, by wrapping the key under a pairwise ECDH-derived secret. The
// relay server only ever sees the resulting opaque envelopes.
package keyex

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// RoomKeySize is the AES-256-GCM room key length.
	RoomKeySize = 32

	sharedKeySize = 32
)

// hkdfInfo domain-separates the wrap key from any other use of the same
// ECDH secret.
var hkdfInfo = []byte("vaultrelay room key wrap v1")

var (
	// ErrBadEnvelope is returned when an envelope cannot be opened with
	// the derived secret: corrupt data or a mismatched key pair.
	ErrBadEnvelope = errors.New("cannot open wrapped key envelope")
	// ErrBadPublicKey is returned for peer public keys that are not valid
	// P-384 points.
	ErrBadPublicKey = errors.New("invalid peer public key")
	// ErrNotKeyed is returned when an operation needs the room key before
	// the session has obtained one.
	ErrNotKeyed = errors.New("session holds no room key")
)

// IdentityKeyPair is an ephemeral ECDH P-384 key pair, generated fresh per
// chat session and never persisted.
type IdentityKeyPair struct {
	priv *ecdh.PrivateKey
}

func GenerateIdentity() (*IdentityKeyPair, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &IdentityKeyPair{priv: priv}, nil
}

// PublicKey returns the public half in uncompressed point encoding, the form
// broadcast to the room.
func (k *IdentityKeyPair) PublicKey() []byte {
	return k.priv.PublicKey().Bytes()
}

// sharedSecret derives the pairwise wrap key: raw ECDH output fed through
// HKDF-SHA256. Both sides of a pair derive the identical key.
func (k *IdentityKeyPair) sharedSecret(peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.P384().NewPublicKey(peerPublic)
	if err != nil {
		return nil, ErrBadPublicKey
	}
	raw, err := k.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	hk := hkdf.New(sha256.New, raw, nil, hkdfInfo)
	key := make([]byte, sharedKeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return key, nil
}

// RoomKey is the single symmetric key shared by all members of a room.
type RoomKey []byte

func GenerateRoomKey() (RoomKey, error) {
	key := make([]byte, RoomKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate room key: %w", err)
	}
	return key, nil
}

// Ciphertext is the AES-GCM output shape used on the wire for both chat
// messages and wrapped keys. Both fields ride base64-encoded in JSON.
type Ciphertext struct {
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
}

// Envelope transports the room key to one recipient. The sender's public key
// lets the recipient derive the same pairwise secret the sender wrapped with.
type Envelope struct {
	SenderPublicKey []byte     `json:"senderPublicKey"`
	Key             Ciphertext `json:"envelope"`
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key, plaintext []byte) (Ciphertext, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Ciphertext{}, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{IV: iv, Data: aead.Seal(nil, iv, plaintext, nil)}, nil
}

func open(key []byte, ct Ciphertext) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ct.IV) != aead.NonceSize() {
		return nil, ErrBadEnvelope
	}
	pt, err := aead.Open(nil, ct.IV, ct.Data, nil)
	if err != nil {
		return nil, ErrBadEnvelope
	}
	return pt, nil
}

// WrapRoomKey encrypts the room key for the holder of peerPublic.
func (k *IdentityKeyPair) WrapRoomKey(roomKey RoomKey, peerPublic []byte) (*Envelope, error) {
	secret, err := k.sharedSecret(peerPublic)
	if err != nil {
		return nil, err
	}
	ct, err := seal(secret, roomKey)
	if err != nil {
		return nil, fmt.Errorf("wrap room key: %w", err)
	}
	return &Envelope{SenderPublicKey: k.PublicKey(), Key: ct}, nil
}

// UnwrapRoomKey recovers the room key from an envelope addressed to this
// identity.
func (k *IdentityKeyPair) UnwrapRoomKey(env *Envelope) (RoomKey, error) {
	secret, err := k.sharedSecret(env.SenderPublicKey)
	if err != nil {
		return nil, err
	}
	pt, err := open(secret, env.Key)
	if err != nil {
		return nil, err
	}
	if len(pt) != RoomKeySize {
		return nil, ErrBadEnvelope
	}
	return RoomKey(pt), nil
}
