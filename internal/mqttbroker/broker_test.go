package mqttbroker

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func connectClient(t *testing.T, b *Broker, id string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(id).
		SetProtocolVersion(4).
		SetAutoReconnect(false)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { c.Disconnect(50) })
	return c
}

func TestHandleReceivesMatchingPublishes(t *testing.T) {
	b := startBroker(t)

	got := make(chan Message, 4)
	b.Handle("scanners/+/adverts", func(_ context.Context, m Message) { got <- m })

	c := connectClient(t, b, "scanner-1")

	token := c.Publish("scanners/hall/adverts", 1, false, []byte(`{"rssi":-50}`))
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	token = c.Publish("scanners/hall/status", 0, false, []byte("up"))
	require.True(t, token.WaitTimeout(5*time.Second))

	select {
	case m := <-got:
		assert.Equal(t, "scanner-1", m.ClientID)
		assert.Equal(t, "scanners/hall/adverts", m.Topic)
		assert.Equal(t, `{"rssi":-50}`, string(m.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}

	assert.Eventually(t, func() bool { return b.Received() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, got)
}

func TestSubscribersReceiveForwardedMessages(t *testing.T) {
	b := startBroker(t)

	sub := connectClient(t, b, "dashboard")
	got := make(chan string, 4)
	token := sub.Subscribe("scanners/#", 0, func(_ mqtt.Client, m mqtt.Message) {
		got <- m.Topic() + "=" + string(m.Payload())
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	pub := connectClient(t, b, "scanner-2")
	token = pub.Publish("scanners/porch/adverts", 0, false, []byte("a"))
	require.True(t, token.WaitTimeout(5*time.Second))

	select {
	case v := <-got:
		assert.Equal(t, "scanners/porch/adverts=a", v)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive publish")
	}

	require.NoError(t, b.Publish("scanners/server/notice", []byte("b")))
	select {
	case v := <-got:
		assert.Equal(t, "scanners/server/notice=b", v)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive server publish")
	}
}

func TestConnectRejectsOldProtocol(t *testing.T) {
	b := startBroker(t)

	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	body := []byte{0x00, 0x06}
	body = append(body, "MQIsdp"...)
	body = append(body, 0x03, 0x02, 0x00, 0x3c, 0x00, 0x01, 'x')
	packet := append([]byte{0x10}, appendRemainingLength(nil, len(body))...)
	_, err = conn.Write(append(packet, body...))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	ack := make([]byte, 4)
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x01}, ack)
}

func TestStopIsIdempotent(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	errCh, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	_, open := <-errCh
	assert.False(t, open)
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"scanners/+/adverts", "scanners/a/adverts", true},
		{"scanners/+/adverts", "scanners/a/b/adverts", false},
		{"scanners/#", "scanners", true},
		{"scanners/#", "scanners/a/adverts", true},
		{"#", "anything/at/all", true},
		{"scanners/a", "scanners/a/adverts", false},
		{"scanners/a/adverts", "scanners/a", false},
		{"a/b", "a/b", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchTopic(tc.filter, tc.topic), "%s vs %s", tc.filter, tc.topic)
	}

	assert.True(t, validFilter("a/+/#"))
	assert.False(t, validFilter("a/#/b"))
	assert.False(t, validFilter("a/b+"))
	assert.False(t, validFilter(""))
}

func TestRemainingLength(t *testing.T) {
	for _, n := range []int{0, 127, 128, 16383, 16384, 2097151, 2097152, maxRemainingLength} {
		enc := appendRemainingLength(nil, n)
		got, err := readRemainingLength(bufio.NewReader(bytes.NewReader(enc)))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}

	_, err := readRemainingLength(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x01}))
	assert.ErrorIs(t, err, errMalformedLength)
}
