package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type echoReq struct {
	Text string `json:"text"`
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	Register(r, "echo", func(_ context.Context, c *ConnContext, req echoReq) (string, error) {
		return c.UserID + ":" + req.Text, nil
	})
	cc := &ConnContext{UserID: "u1"}

	res, err := r.dispatch(context.Background(), cc, Envelope{Event: "echo", Body: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)
	require.Equal(t, "u1:hi", res)

	_, err = r.dispatch(context.Background(), cc, Envelope{Event: "nope"})
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = r.dispatch(context.Background(), cc, Envelope{Event: "echo", Body: json.RawMessage(`{"text":1}`)})
	require.ErrorIs(t, err, ErrBadBody)
}

func TestRegister_EmptyEventPanics(t *testing.T) {
	require.Panics(t, func() {
		Register(NewRouter(), "", func(context.Context, *ConnContext, echoReq) (any, error) { return nil, nil })
	})
}

func TestValidTopic(t *testing.T) {
	for topic, ok := range map[string]bool{
		"all":        true,
		"auction:a1": true,
		"user:u1":    true,
		"auction:":   false,
		"":           false,
		"bids":       false,
	} {
		require.Equal(t, ok, validTopic(topic), topic)
	}
}
