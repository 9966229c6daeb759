package capture

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/sipscope/internal/pkg/packet"
	"github.com/endorses/sipscope/internal/pkg/storage"
)

var testBase = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func sipMessage(callID, method string) string {
	return fmt.Sprintf("%s sip:bob@example.com SIP/2.0\r\n"+
		"From: <sip:alice@example.com>;tag=1\r\n"+
		"To: <sip:bob@example.com>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 %s\r\n"+
		"\r\n", method, callID, method)
}

func buildSIPFrame(t *testing.T, callID, method string) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.0.0.1"),
		DstIP:    net.ParseIP("10.0.0.2"),
	}
	udp := &layers.UDP{SrcPort: 5060, DstPort: 5060}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp,
		gopacket.Payload([]byte(sipMessage(callID, method)))))
	return buf.Bytes()
}

// stubInput replays canned frames through the manager loop.
type stubInput struct {
	id      string
	mode    Mode
	frames  []Frame
	total   uint64
	loaded  atomic.Uint64
	filters []string
	failSet bool
	stopped atomic.Bool
}

func (in *stubInput) ID() string         { return in.id }
func (in *stubInput) Mode() Mode         { return in.mode }
func (in *stubInput) TotalSize() uint64  { return in.total }
func (in *stubInput) LoadedSize() uint64 { return in.loaded.Load() }
func (in *stubInput) Stop()              { in.stopped.Store(true) }

func (in *stubInput) SetFilter(expr string) error {
	if in.failSet {
		return errors.New("stub: bad filter")
	}
	in.filters = append(in.filters, expr)
	return nil
}

func (in *stubInput) Start(deliver func(Frame), done func(id string)) error {
	go func() {
		defer done(in.id)
		for _, frame := range in.frames {
			deliver(frame)
			in.loaded.Add(uint64(len(frame.Data)))
		}
	}()
	return nil
}

func rawFrame(data []byte, ts time.Time) Frame {
	return Frame{
		Data: data,
		CaptureInfo: gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(data),
			Length:        len(data),
		},
		LinkType: layers.LinkTypeEthernet,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestManagerEndToEnd(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	input := &stubInput{
		id:   "stub-1",
		mode: ModeOffline,
		frames: []Frame{
			rawFrame(buildSIPFrame(t, "e2e@x", "INVITE"), testBase),
			rawFrame(buildSIPFrame(t, "e2e@x", "BYE"), testBase.Add(time.Second)),
		},
	}

	m := NewManager(store)
	require.NoError(t, m.AddInput(input))
	require.NoError(t, m.Start())

	waitFor(t, func() bool {
		call, ok := store.Call("e2e@x")
		return ok && call.MsgCount() == 2
	})
	m.Stop()

	stats := store.Stats()
	assert.Equal(t, 1, stats.Total)
}

func TestManagerOfflineInputSelfDestroys(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	input := &stubInput{id: "gone", mode: ModeOffline}
	m := NewManager(store)
	require.NoError(t, m.AddInput(input))
	require.NoError(t, m.Start())

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.inputs) == 0
	})
	m.Stop()
}

func TestManagerSetFilterAllOrNothing(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	good := &stubInput{id: "good", mode: ModeLive}
	bad := &stubInput{id: "bad", mode: ModeLive, failSet: true}

	m := NewManager(store)
	require.NoError(t, m.AddInput(good))
	require.NoError(t, m.AddInput(bad))

	err = m.SetFilter("udp port 5060")
	assert.Error(t, err)
	assert.Empty(t, m.Filter(), "filter stays unset on failure")

	m2 := NewManager(store)
	require.NoError(t, m2.AddInput(good))
	require.NoError(t, m2.SetFilter("udp port 5060"))
	assert.Equal(t, "udp port 5060", m2.Filter())
}

func TestManagerFilterAppliedToNewInputs(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	m := NewManager(store)
	require.NoError(t, m.SetFilter("port 5060"))

	input := &stubInput{id: "late", mode: ModeLive}
	require.NoError(t, m.AddInput(input))
	assert.Equal(t, []string{"port 5060"}, input.filters)

	failing := &stubInput{id: "nope", mode: ModeLive, failSet: true}
	assert.Error(t, m.AddInput(failing))
}

func TestManagerStatusAndProgress(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	live := &stubInput{id: "live", mode: ModeLive}
	offline := &stubInput{id: "file", mode: ModeOffline, total: 1000}
	offline.loaded.Store(500)

	m := NewManager(store)
	require.NoError(t, m.AddInput(live))
	require.NoError(t, m.AddInput(offline))

	assert.False(t, m.IsOnline())
	status := m.Status()
	assert.Equal(t, StatusMixed, status.Online)
	assert.Equal(t, ActivityLoading, status.Activity)
	assert.Equal(t, 50, m.LoadProgress())

	offline.loaded.Store(1000)
	assert.Equal(t, ActivityRunning, m.Status().Activity)
	assert.Equal(t, 100, m.LoadProgress())

	m.Pause(true)
	assert.Equal(t, ActivityPaused, m.Status().Activity)
	m.TogglePause()
	assert.False(t, m.IsPaused())
}

func TestManagerLiveOnly(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	m := NewManager(store)
	require.NoError(t, m.AddInput(&stubInput{id: "eth0", mode: ModeLive}))
	assert.True(t, m.IsOnline())
	assert.Equal(t, StatusOnline, m.Status().Online)
	assert.Equal(t, 100, m.LoadProgress(), "no offline inputs means nothing to load")
}

func TestManagerPauseRejectsIngress(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	var paused []Frame
	for i := 0; i < 10; i++ {
		paused = append(paused, rawFrame(buildSIPFrame(t, fmt.Sprintf("p%d@x", i), "INVITE"), testBase))
	}

	m := NewManager(store)
	m.Pause(true)
	require.NoError(t, m.AddInput(&stubInput{id: "a", mode: ModeOffline, frames: paused}))
	require.NoError(t, m.Start())

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.inputs) == 0
	})
	// Let the loop drain queued frames before unpausing
	waitFor(t, func() bool { return store.Stats().DroppedPackets == 10 })

	m.Pause(false)
	require.NoError(t, m.AddInput(&stubInput{
		id: "b", mode: ModeOffline,
		frames: []Frame{rawFrame(buildSIPFrame(t, "last@x", "INVITE"), testBase.Add(time.Minute))},
	}))

	waitFor(t, func() bool { return store.Stats().Retained == 1 })
	m.Stop()

	stats := store.Stats()
	assert.Equal(t, 1, stats.Total)
	_, ok := store.Call("last@x")
	assert.True(t, ok)
}

func TestManagerOutputFanout(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	var wrote atomic.Int64
	out := outputFunc(func(pkt *packet.Packet) error {
		wrote.Add(1)
		return nil
	})

	m := NewManager(store)
	m.AddOutput(out)
	require.NoError(t, m.AddInput(&stubInput{
		id: "src", mode: ModeOffline,
		frames: []Frame{
			rawFrame(buildSIPFrame(t, "fan@x", "INVITE"), testBase),
			rawFrame([]byte{0xde, 0xad}, testBase), // garbage never reaches outputs
		},
	}))
	require.NoError(t, m.Start())

	waitFor(t, func() bool { return wrote.Load() == 1 })
	m.Stop()
	assert.Equal(t, int64(1), wrote.Load())
}

// outputFunc adapts a function to the Output interface.
type outputFunc func(pkt *packet.Packet) error

func (f outputFunc) Write(pkt *packet.Packet) error { return f(pkt) }
func (f outputFunc) Close() error                   { return nil }

func TestManagerDoubleStartFails(t *testing.T) {
	store, err := storage.New(storage.Options{})
	require.NoError(t, err)

	m := NewManager(store)
	require.NoError(t, m.Start())
	assert.Error(t, m.Start())
	m.Stop()

	assert.Error(t, m.AddInput(&stubInput{id: "x", mode: ModeLive}), "stopped manager refuses inputs")
}

func TestParseServerHint(t *testing.T) {
	addr := parseServerHint("10.0.0.5:5061")
	assert.Equal(t, "10.0.0.5:5061", addr.String())
	assert.False(t, parseServerHint("").IsValid())
	assert.False(t, parseServerHint("nonsense").IsValid())
}
