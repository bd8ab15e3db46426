package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	pulseclient "goa.design/relay/features/transport/pulse/clients/pulse"
	"goa.design/relay/relay/transport"
)

type (
	fakeClient struct {
		streams map[string]*fakeStream
		err     error
		closed  bool
	}

	fakeStream struct {
		adds []fakeAdd
		err  error
	}

	fakeAdd struct {
		event   string
		payload []byte
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string) (pulseclient.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.adds = append(s.adds, fakeAdd{event: event, payload: payload})
	return "1-0", nil
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestBroadcastGlobalPublishesToGlobalStream(t *testing.T) {
	fc := newFakeClient()
	tr, err := New(Options{Client: fc})
	require.NoError(t, err)

	payload := map[string]any{"runId": "r1", "seq": float64(1)}
	require.NoError(t, tr.BroadcastGlobal(context.Background(), transport.EventAgent, payload, transport.SendOptions{}))

	s := fc.streams[GlobalStream]
	require.NotNil(t, s)
	require.Len(t, s.adds, 1)
	require.Equal(t, transport.EventAgent, s.adds[0].event)

	var env struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(s.adds[0].payload, &env))
	require.Equal(t, transport.EventAgent, env.Event)
	require.Equal(t, payload, env.Payload)
}

func TestBroadcastToConnectionsFansOut(t *testing.T) {
	fc := newFakeClient()
	tr, err := New(Options{Client: fc})
	require.NoError(t, err)

	conns := []string{"c1", "", "c2"}
	require.NoError(t, tr.BroadcastToConnections(context.Background(), transport.EventAgent, "p", conns, transport.SendOptions{}))

	require.Len(t, fc.streams, 2)
	require.Len(t, fc.streams[ConnectionStream("c1")].adds, 1)
	require.Len(t, fc.streams[ConnectionStream("c2")].adds, 1)
}

func TestBroadcastToConnectionsContinuesPastFailures(t *testing.T) {
	fc := newFakeClient()
	fc.streams[ConnectionStream("c1")] = &fakeStream{err: errors.New("boom")}
	tr, err := New(Options{Client: fc})
	require.NoError(t, err)

	err = tr.BroadcastToConnections(context.Background(), transport.EventAgent, "p", []string{"c1", "c2"}, transport.SendOptions{})
	require.Error(t, err)
	require.Len(t, fc.streams[ConnectionStream("c2")].adds, 1)
}

func TestSendToSessionPublishesToSessionStream(t *testing.T) {
	fc := newFakeClient()
	tr, err := New(Options{Client: fc})
	require.NoError(t, err)

	require.NoError(t, tr.SendToSession(context.Background(), "s1", transport.EventChat, "p"))
	require.Len(t, fc.streams[SessionStream("s1")].adds, 1)
	require.Equal(t, transport.EventChat, fc.streams[SessionStream("s1")].adds[0].event)

	require.Error(t, tr.SendToSession(context.Background(), "", transport.EventChat, "p"))
}

func TestUnmarshalablePayloadFails(t *testing.T) {
	fc := newFakeClient()
	tr, err := New(Options{Client: fc})
	require.NoError(t, err)

	err = tr.BroadcastGlobal(context.Background(), transport.EventAgent, func() {}, transport.SendOptions{})
	require.Error(t, err)
}

func TestCloseDelegatesToClient(t *testing.T) {
	fc := newFakeClient()
	tr, err := New(Options{Client: fc})
	require.NoError(t, err)

	require.NoError(t, tr.Close(context.Background()))
	require.True(t, fc.closed)
}
