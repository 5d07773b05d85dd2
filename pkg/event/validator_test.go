package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalEvent(t *testing.T, ev *Event) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func fixedValidator() *Validator {
	return NewValidator(DefaultLimits()).WithClock(func() time.Time {
		return time.Unix(1700000100, 0)
	})
}

func TestValidateRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ev := newSignedEvent(t, priv, KindTextNote, [][]string{{"team", "alpha"}}, "hello")

	got, err := fixedValidator().Validate(marshalEvent(t, ev))
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Author, got.Author)
	assert.Equal(t, ev.Tags, got.Tags)
	assert.Equal(t, ev.Content, got.Content)
}

func TestValidateDetectsPostSigningMutation(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	cases := map[string]func(*Event){
		"content":    func(e *Event) { e.Content = "tampered" },
		"created_at": func(e *Event) { e.CreatedAt-- },
		"tag":        func(e *Event) { e.Tags = [][]string{{"team", "beta"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ev := newSignedEvent(t, priv, KindTextNote, [][]string{{"team", "alpha"}}, "hello")
			mutate(ev)
			_, err := fixedValidator().Validate(marshalEvent(t, ev))
			assert.ErrorIs(t, err, ErrIDMismatch)
		})
	}
}

func TestValidateRejectsForgedSignature(t *testing.T) {
	privA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ev := newSignedEvent(t, privA, KindTextNote, nil, "payload")
	other := *ev
	require.NoError(t, other.Sign(privB))

	// Same id claim, signature from another key.
	ev.Sig = other.Sig
	_, err = fixedValidator().Validate(marshalEvent(t, ev))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"unknown field": `{"id":"x","pubkey":"y","created_at":1,"kind":1,"tags":[],"content":"","sig":"z","extra":true}`,
		"wrong type":    `{"id":1,"pubkey":"y","created_at":1,"kind":1,"tags":[],"content":"","sig":"z"}`,
		"short id":      `{"id":"abc","pubkey":"` + strings.Repeat("a", 64) + `","created_at":1,"kind":1,"tags":[],"content":"","sig":"` + strings.Repeat("a", 128) + `"}`,
		"non hex id":    `{"id":"` + strings.Repeat("Z", 64) + `","pubkey":"` + strings.Repeat("a", 64) + `","created_at":1,"kind":1,"tags":[],"content":"","sig":"` + strings.Repeat("a", 128) + `"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fixedValidator().Validate([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestValidateOversizedContent(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	limits := DefaultLimits()
	limits.MaxContentBytes = 16
	v := NewValidator(limits).WithClock(func() time.Time { return time.Unix(1700000100, 0) })

	ev := newSignedEvent(t, priv, KindTextNote, nil, strings.Repeat("x", 17))
	_, err = v.Validate(marshalEvent(t, ev))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestValidateClockSkewWindow(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	limits := DefaultLimits()
	limits.ClockSkew = time.Minute
	v := NewValidator(limits).WithClock(func() time.Time { return now })

	within := &Event{CreatedAt: now.Add(30 * time.Second).Unix(), Kind: KindTextNote, Content: "ok"}
	require.NoError(t, within.Sign(priv))
	_, err = v.Validate(marshalEvent(t, within))
	assert.NoError(t, err)

	beyond := &Event{CreatedAt: now.Add(2 * time.Minute).Unix(), Kind: KindTextNote, Content: "late"}
	require.NoError(t, beyond.Sign(priv))
	_, err = v.Validate(marshalEvent(t, beyond))
	assert.ErrorIs(t, err, ErrTimestampOutOfRange)
}
