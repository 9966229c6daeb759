package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/endorses/sipscope/internal/pkg/logger"
	"github.com/endorses/sipscope/internal/pkg/packet"
	"github.com/endorses/sipscope/internal/pkg/storage"
)

// OnlineState classifies the attached inputs.
type OnlineState uint8

const (
	StatusOffline OnlineState = iota
	StatusOnline
	StatusMixed
)

func (s OnlineState) String() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusMixed:
		return "Mixed"
	}
	return "Offline"
}

// Activity is the loop's current disposition.
type Activity uint8

const (
	ActivityRunning Activity = iota
	ActivityLoading
	ActivityPaused
)

func (a Activity) String() string {
	switch a {
	case ActivityLoading:
		return "Loading"
	case ActivityPaused:
		return "Paused"
	}
	return "Running"
}

// Status pairs the input classification with the loop disposition.
type Status struct {
	Online   OnlineState
	Activity Activity
}

// Manager owns the capture inputs and outputs and hosts the worker loop
// that drives the dissector chain. Construct one per process and thread
// it explicitly; tests build their own.
type Manager struct {
	mu      sync.Mutex
	inputs  map[string]Input
	outputs []Output

	store *storage.Storage
	chain *packet.Chain

	frames   chan Frame
	inputsWG sync.WaitGroup
	workerWG sync.WaitGroup
	running  bool
	stopped  bool

	filter     string
	tlsKeyFile string
	tlsServer  packet.Address
	paused     bool
}

// NewManager wires a manager to its storage. The dissector chain's sink
// appends to storage and fans stored packets out to every output.
func NewManager(store *storage.Storage) *Manager {
	m := &Manager{
		inputs: make(map[string]Input),
		store:  store,
		frames: make(chan Frame, 1024),
	}
	m.chain = packet.NewChain(m.consume)
	return m
}

// SetTLSKeyFile arms the TLS dissector before Start.
func (m *Manager) SetTLSKeyFile(path string, server packet.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tlsKeyFile = path
	m.tlsServer = server
}

// consume is the chain sink: one call per decoded SIP/RTP packet, on the
// worker goroutine.
func (m *Manager) consume(pkt *packet.Packet) {
	stored, err := m.store.Append(pkt)
	if err != nil && !errors.Is(err, storage.ErrPaused) {
		logger.Debug("storage rejected packet", "error", err)
	}
	if stored {
		m.OutputPacket(pkt)
	}
}

// Start loads TLS keys if configured, spawns the worker loop and starts
// every attached input.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("capture: manager already started")
	}

	if m.tlsKeyFile != "" {
		keys, err := packet.LoadTLSKeyFile(m.tlsKeyFile, m.tlsServer)
		if err != nil {
			return err
		}
		m.chain.SetTLSKeys(keys)
	}

	m.workerWG.Add(1)
	go m.run()
	m.running = true

	for _, input := range m.inputs {
		if err := m.startInputLocked(input); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) run() {
	defer m.workerWG.Done()
	for frame := range m.frames {
		m.handleFrame(frame)
	}
}

func (m *Manager) handleFrame(frame Frame) {
	if frame.Encapsulated {
		rec, err := packet.DecodeHEP(frame.Data)
		if err != nil {
			logger.Debug("dropping bad encapsulated frame", "error", err)
			return
		}
		inner := packet.PacketFromHEP(rec)
		m.chain.DissectEncapsulated(inner)
		return
	}
	m.chain.Dissect(frame.Data, frame.CaptureInfo, frame.LinkType)
}

func (m *Manager) deliver(frame Frame) {
	m.frames <- frame
}

func (m *Manager) inputFinished(id string) {
	m.inputsWG.Done()
	m.mu.Lock()
	delete(m.inputs, id)
	m.mu.Unlock()
}

// AddInput attaches an input, applying the manager filter; running
// managers start it immediately.
func (m *Manager) AddInput(input Input) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return errors.New("capture: manager already stopped")
	}
	if m.filter != "" {
		if err := input.SetFilter(m.filter); err != nil {
			return fmt.Errorf("capture: applying filter to new input: %w", err)
		}
	}
	m.inputs[input.ID()] = input
	if m.running {
		return m.startInputLocked(input)
	}
	return nil
}

func (m *Manager) startInputLocked(input Input) error {
	m.inputsWG.Add(1)
	if err := input.Start(m.deliver, m.inputFinished); err != nil {
		m.inputsWG.Done()
		delete(m.inputs, input.ID())
		return err
	}
	return nil
}

// AddOutput attaches a sink.
func (m *Manager) AddOutput(output Output) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = append(m.outputs, output)
}

// OutputPacket fans one packet out to every sink.
func (m *Manager) OutputPacket(pkt *packet.Packet) {
	m.mu.Lock()
	outputs := m.outputs
	m.mu.Unlock()
	for _, out := range outputs {
		if err := out.Write(pkt); err != nil {
			logger.Error("capture output write failed", "error", err)
		}
	}
}

// SetFilter applies a BPF expression to every input. On failure the
// manager's filter is left unset and the error returned; inputs already
// updated keep the new program, matching attach-time semantics.
func (m *Manager) SetFilter(expr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, input := range m.inputs {
		if err := input.SetFilter(expr); err != nil {
			return fmt.Errorf("capture: invalid filter %q: %w", expr, err)
		}
	}
	m.filter = expr
	return nil
}

// Filter returns the active BPF expression.
func (m *Manager) Filter() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter
}

// Pause gates ingestion: the loop keeps draining frames but storage
// rejects them.
func (m *Manager) Pause(paused bool) {
	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
	m.store.SetPaused(paused)
}

// TogglePause flips the pause flag.
func (m *Manager) TogglePause() {
	m.mu.Lock()
	m.paused = !m.paused
	paused := m.paused
	m.mu.Unlock()
	m.store.SetPaused(paused)
}

// IsPaused reports the pause flag.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// IsOnline reports whether every attached input is live.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, input := range m.inputs {
		if input.Mode() != ModeLive {
			return false
		}
	}
	return true
}

// Status derives the display status from input modes and flags.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var live, offline int
	var loading bool
	for _, input := range m.inputs {
		if input.Mode() == ModeLive {
			live++
		} else {
			offline++
			if input.LoadedSize() < input.TotalSize() {
				loading = true
			}
		}
	}

	status := Status{Online: StatusOffline}
	switch {
	case live > 0 && offline == 0:
		status.Online = StatusOnline
	case live > 0 && offline > 0:
		status.Online = StatusMixed
	}

	switch {
	case m.paused:
		status.Activity = ActivityPaused
	case loading:
		status.Activity = ActivityLoading
	default:
		status.Activity = ActivityRunning
	}
	return status
}

// LoadProgress reports offline read progress as 0..100, weighted by file
// sizes. Live-only managers report 100.
func (m *Manager) LoadProgress() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total, loaded uint64
	for _, input := range m.inputs {
		if input.Mode() == ModeOffline {
			total += input.TotalSize()
			loaded += input.LoadedSize()
		}
	}
	if total == 0 {
		return 100
	}
	if loaded > total {
		loaded = total
	}
	return int(loaded * 100 / total)
}

// Counters exposes the dissection counters for the statistics panel.
// Only meaningful once the loop has quiesced or between frames.
func (m *Manager) Counters() packet.Counters {
	return m.chain.Counters()
}

// Stop destroys the input sources, drains the loop, joins the worker and
// closes every output. In-flight frames already queued are still
// dissected and appended.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	inputs := make([]Input, 0, len(m.inputs))
	for _, input := range m.inputs {
		inputs = append(inputs, input)
	}
	m.mu.Unlock()

	for _, input := range inputs {
		input.Stop()
	}
	m.inputsWG.Wait()

	close(m.frames)
	m.workerWG.Wait()

	m.mu.Lock()
	outputs := m.outputs
	m.outputs = nil
	m.running = false
	m.mu.Unlock()
	for _, out := range outputs {
		if err := out.Close(); err != nil {
			logger.Error("capture output close failed", "error", err)
		}
	}
}
