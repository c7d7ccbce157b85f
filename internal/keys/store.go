// Package keys implements the Ephemeral Key Store: per-session
// Ed25519 identities generated on demand and destroyed with the
// session. It is the one process-wide singleton this module allows,
// provided every entry is keyed by session id.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelbroker/broker/internal/core"
)

// Store holds ephemeral keypairs, one per session id, generated with
// crypto/ed25519 and crypto/rand. Unlike the teacher's internal/pki.CA,
// which signs certificates under one long-lived, deterministic CA
// identity, every entry here is a fresh, non-deterministic identity
// scoped to a single session.
type Store struct {
	mu   sync.Mutex
	keys map[string]*core.Keypair
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{keys: make(map[string]*core.Keypair)}
}

// Generate produces a fresh Ed25519 keypair for sessionID. It returns
// AlreadyExists if a keypair is already held for that session; call
// Destroy first to regenerate.
func (s *Store) Generate(sessionID string) (*core.Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[sessionID]; ok {
		return nil, core.NewError(core.ErrorCodeAlreadyExists, fmt.Sprintf("keypair already exists for session %s", sessionID))
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, core.Wrap(core.ErrorCodeInternal, core.ErrCryptoFailure.Message, err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, core.Wrap(core.ErrorCodeInternal, core.ErrCryptoFailure.Message, err)
	}

	privPEM, err := marshalPrivateKey(priv)
	if err != nil {
		return nil, core.Wrap(core.ErrorCodeInternal, core.ErrCryptoFailure.Message, err)
	}

	kp := &core.Keypair{
		SessionID:    sessionID,
		PublicText:   string(ssh.MarshalAuthorizedKey(sshPub)),
		PrivateBytes: privPEM,
		Fingerprint:  fingerprint(sshPub),
		CreatedAt:    time.Now(),
	}
	s.keys[sessionID] = kp
	return kp, nil
}

// Get returns the keypair held for sessionID, if any.
func (s *Store) Get(sessionID string) (*core.Keypair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keys[sessionID]
	return kp, ok
}

// Destroy zeroizes and removes the keypair for sessionID. Safe to
// call multiple times or for a session with no keypair.
func (s *Store) Destroy(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keys[sessionID]
	if !ok {
		return
	}
	for i := range kp.PrivateBytes {
		kp.PrivateBytes[i] = 0
	}
	delete(s.keys, sessionID)
}

// DestroyAll zeroizes and removes every keypair. Invoked on process
// shutdown.
func (s *Store) DestroyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, kp := range s.keys {
		for i := range kp.PrivateBytes {
			kp.PrivateBytes[i] = 0
		}
		delete(s.keys, id)
	}
}

// fingerprint computes the "SHA256:<base64>" fingerprint of a public
// key's wire blob.
func fingerprint(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}
