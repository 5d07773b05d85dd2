// Package event defines the signed, immutable unit of data accepted by the
// relay, its canonical serialization, and the subscription filter predicate.
//
// An event id is the SHA-256 digest of the RFC 8785 canonical JSON form of
// the array [0, author, created_at, kind, tags, content]. The signature is a
// BIP-340 Schnorr signature over that digest, verifiable against the author's
// x-only public key.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/gowebpki/jcs"
)

// Reserved event kinds.
const (
	KindTextNote         = 1
	KindDeletion         = 5
	KindTeamAnnouncement = 30000
	KindEvidence         = 30001
)

// Well-known tag keys.
const (
	TagRef       = "e" // reference to another event id
	TagAuthorRef = "p" // reference to another author
	TagTeam      = "team"
	TagClearance = "clearance"
)

// Event is the immutable unit of the system. Once accepted it is globally
// unique by ID; re-publishing the same ID is a no-op.
type Event struct {
	ID        string     `json:"id"`
	Author    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`

	// ReceivedAt is the relay-assigned ingestion timestamp in nanoseconds,
	// set by the store. It is never on the wire.
	ReceivedAt int64 `json:"-"`
}

// CanonicalBytes returns the canonical serialization the id is derived from.
func (e *Event) CanonicalBytes() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	arr := []any{0, e.Author, e.CreatedAt, e.Kind, tags, e.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
}

// ComputeID recomputes the content-derived identifier from the event fields.
func (e *Event) ComputeID() (string, error) {
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// VerifySignature checks the Schnorr signature against the author key and the
// asserted id. It does not recompute the id; callers verify that separately.
func (e *Event) VerifySignature() error {
	pubBytes, err := hex.DecodeString(e.Author)
	if err != nil || len(pubBytes) != schnorr.PubKeyBytesLen {
		return fmt.Errorf("%w: author is not a valid x-only public key", ErrInvalidSignature)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return fmt.Errorf("%w: malformed signature encoding", ErrInvalidSignature)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil || len(idBytes) != sha256.Size {
		return fmt.Errorf("%w: malformed id", ErrInvalidSignature)
	}
	if !sig.Verify(idBytes, pub) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign fills Author, ID and Sig from the private key and the remaining
// fields. Used by tooling and tests; the relay itself never signs events.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	e.Author = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// TagValues returns the first value of every tag tuple with the given key.
func (e *Event) TagValues(key string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key {
			values = append(values, tag[1])
		}
	}
	return values
}

// FirstTagValue returns the first value of the first tag tuple with the given
// key, or "" when absent.
func (e *Event) FirstTagValue(key string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

// DeletionTargets returns the event ids a deletion-kind event refers to.
func (e *Event) DeletionTargets() []string {
	if e.Kind != KindDeletion {
		return nil
	}
	return e.TagValues(TagRef)
}
