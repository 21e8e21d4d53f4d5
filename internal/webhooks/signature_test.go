package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payverify/internal/model"
)

func TestSignKnownVector(t *testing.T) {
	// RFC 4231 test case 2
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		Sign([]byte("what do ya want for nothing?"), "Jefe"))
}

func TestSignEventDeterministic(t *testing.T) {
	ev := model.Event{ID: "evt_1", Type: model.EventPaymentIntentConfirmed, Data: map[string]any{"amount": 100, "currency": "ETB"}, Created: 1700000000}
	body1, sig1, err := SignEvent(ev, "secret")
	require.NoError(t, err)
	body2, sig2, err := SignEvent(ev, "secret")
	require.NoError(t, err)
	assert.Equal(t, body1, body2)
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64)
	assert.Equal(t, Sign(body1, "secret"), sig1)

	ev.Data = map[string]any{"amount": 101, "currency": "ETB"}
	_, sig3, err := SignEvent(ev, "secret")
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig3)

	_, sig4, err := SignEvent(model.Event{ID: "evt_1", Type: model.EventPaymentIntentConfirmed, Data: map[string]any{"amount": 100, "currency": "ETB"}, Created: 1700000000}, "other")
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig4)
}

func TestSignSingleByteChange(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment_intent.created","data":{},"created":1}`)
	changed := append([]byte(nil), body...)
	changed[len(changed)-2] = '2'
	assert.NotEqual(t, Sign(body, "k"), Sign(changed, "k"))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"id":"evt_9"}`)
	sig := Sign(body, "shh")
	assert.True(t, Verify("shh", body, sig))
	assert.False(t, Verify("shh", []byte(`{"id":"evt_8"}`), sig))
	assert.False(t, Verify("wrong", body, sig))
	assert.False(t, Verify("shh", body, "not-hex"))
	assert.False(t, Verify("shh", body, ""))
}
