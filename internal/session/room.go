package session

import (
	"github.com/google/uuid"

	"github.com/prateek-m/veilchat/internal/crypto"
	"github.com/prateek-m/veilchat/internal/protocol"
)

// Room is one per-partner encrypted conversation: an encryption session, the
// initialized flag that only flips after both handshake legs, and the
// append-only message log.
type Room struct {
	ID        string
	PartnerID int64

	sess        *crypto.Session
	initialized bool
	hsStarted   bool
	hsDone      chan struct{} // closed when the handshake completes

	Messages []protocol.Message
}

func newRoom(partnerID int64) (*Room, error) {
	sess, err := crypto.NewSession()
	if err != nil {
		return nil, err
	}
	return &Room{
		ID:        uuid.NewString(),
		PartnerID: partnerID,
		sess:      sess,
		hsDone:    make(chan struct{}),
	}, nil
}

// Initialized reports whether the handshake has completed.
func (r *Room) Initialized() bool {
	return r.initialized
}

// complete finishes the handshake with the partner's public key.
func (r *Room) complete(partnerPublicKey string) error {
	if r.initialized {
		return nil
	}
	if err := r.sess.ReceivePublicKey(partnerPublicKey); err != nil {
		return err
	}
	r.initialized = true
	close(r.hsDone)
	return nil
}

// resetSession throws away the key material after the partner lost its state
// (went offline); the next exchange negotiates a fresh session key.
func (r *Room) resetSession() error {
	sess, err := crypto.NewSession()
	if err != nil {
		return err
	}
	r.sess = sess
	r.initialized = false
	r.hsStarted = false
	r.hsDone = make(chan struct{})
	return nil
}
