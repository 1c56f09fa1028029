package keyex

import (
	"sync"
)

// Session is one member's view of the key exchange for one room. It tracks
// whether the member is keyed, answers newly announced public keys with
// wrapped-key envelopes, and accepts the first valid envelope addressed to
// it. The protocol is purely reactive: a member that never receives an
// envelope stays unkeyed until it reconnects and the sequence reruns.
type Session struct {
	mu       sync.Mutex
	memberID string
	identity *IdentityKeyPair
	roomKey  RoomKey
}

// NewSession generates a fresh identity key pair for memberID.
func NewSession(memberID string) (*Session, error) {
	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	return &Session{memberID: memberID, identity: identity}, nil
}

func (s *Session) MemberID() string { return s.memberID }

// PublicKey is the public half to broadcast on joining.
func (s *Session) PublicKey() []byte {
	return s.identity.PublicKey()
}

// StartAsCreator generates the room key. The creator considers itself keyed
// from room creation onward.
func (s *Session) StartAsCreator() error {
	key, err := GenerateRoomKey()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.roomKey = key
	s.mu.Unlock()
	return nil
}

// Keyed reports whether the session holds the room key. An unkeyed session
// surfaces as "awaiting secure connection"; it is never silently dropped.
func (s *Session) Keyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomKey != nil
}

// RoomKey returns a copy of the held key, or nil when unkeyed.
func (s *Session) RoomKey() RoomKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomKey == nil {
		return nil
	}
	return append(RoomKey(nil), s.roomKey...)
}

// HandlePublicKey reacts to a peer's announced public key. A keyed session
// answers with an envelope to unicast back; an unkeyed one has nothing to
// offer and returns nil.
func (s *Session) HandlePublicKey(peerPublic []byte) (*Envelope, error) {
	s.mu.Lock()
	key := s.roomKey
	s.mu.Unlock()
	if key == nil {
		return nil, nil
	}
	return s.identity.WrapRoomKey(key, peerPublic)
}

// HandleEnvelope accepts a wrapped-key envelope addressed to this member.
// The first valid envelope keys the session; later ones are ignored since
// honest senders all wrap the identical key. A bad envelope leaves the
// session unkeyed and is reported to the caller only.
func (s *Session) HandleEnvelope(env *Envelope) (accepted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomKey != nil {
		return false, nil
	}
	key, err := s.identity.UnwrapRoomKey(env)
	if err != nil {
		return false, err
	}
	s.roomKey = key
	return true, nil
}

// SealMessage encrypts a chat payload under the room key.
func (s *Session) SealMessage(plaintext []byte) (Ciphertext, error) {
	s.mu.Lock()
	key := s.roomKey
	s.mu.Unlock()
	if key == nil {
		return Ciphertext{}, ErrNotKeyed
	}
	return seal(key, plaintext)
}

// OpenMessage decrypts a chat payload received from the room.
func (s *Session) OpenMessage(ct Ciphertext) ([]byte, error) {
	s.mu.Lock()
	key := s.roomKey
	s.mu.Unlock()
	if key == nil {
		return nil, ErrNotKeyed
	}
	return open(key, ct)
}
