package sshmux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshcore/pkg/sshwire"
)

// PacketSender is the multiplexer's outbound path: the owning session
// serializes and frames the message through its packet codec. Implementations
// may block (e.g. while a rekey is in progress).
type PacketSender interface {
	SendMessage(msg sshwire.Message) error
}

// ChannelHandler accepts one inbound channel open of a registered type. The
// channel is already registered and confirmed when the handler runs; a
// returned error closes the channel. Handlers run on the session dispatch
// goroutine and must not block; long-lived consumers should hand the channel
// to their own goroutine.
type ChannelHandler func(ch *Channel, payload []byte) error

// ChannelError is a channel-scoped protocol error: the implicated channel is
// closed (or the message dropped, for an unknown id) but the session
// survives.
type ChannelError struct {
	LocalID uint32
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d: %s", e.LocalID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Errors surfaced to channel consumers and, wrapped in ChannelError, to the
// session.
var (
	// ErrChannelClosed is returned from I/O on a channel that has been
	// torn down.
	ErrChannelClosed = errors.New("sshmux: channel closed")

	// ErrWindowOverrun reports a peer sending more data than the advertised
	// local window permits.
	ErrWindowOverrun = errors.New("sshmux: peer exceeded advertised window")

	// ErrUnknownChannel reports a message referencing a channel id with no
	// live record.
	ErrUnknownChannel = errors.New("sshmux: unknown channel id")

	// ErrUnsolicitedReply reports a channel reply with no outstanding
	// request to correlate it to.
	ErrUnsolicitedReply = errors.New("sshmux: reply with no outstanding request")

	// ErrMuxClosed is returned when opening channels on a torn-down
	// multiplexer.
	ErrMuxClosed = errors.New("sshmux: multiplexer closed")
)

// OpenError is the typed failure of a rejected channel open.
type OpenError struct {
	Reason      uint32
	Description string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("channel open rejected (reason %d): %s", e.Reason, e.Description)
}

// Config carries the multiplexer's tunables, resolved by the session from
// the manager configuration.
type Config struct {
	// InitialWindow is the receive window advertised for each new channel.
	InitialWindow uint32

	// MaxPacketSize is the largest data payload accepted per channel data
	// message, advertised to the peer.
	MaxPacketSize uint32

	// MaxChannels bounds concurrently live channels; opens beyond it are
	// rejected with a resource-shortage reply. Zero means unlimited.
	MaxChannels int

	// CloseGraceTimeout bounds how long a locally closed channel record
	// waits for the peer's close before being torn down anyway.
	CloseGraceTimeout time.Duration
}

// Mux multiplexes logical channels over one session.
type Mux struct {
	logger.Logger
	sender PacketSender
	cfg    Config

	lock         sync.Mutex
	channels     map[uint32]*Channel
	nextID       uint32
	typeHandlers map[string]ChannelHandler
	closed       bool
	closeErr     error

	// onOpened/onClosed feed the manager's channel lifecycle listeners.
	onOpened func(ch *Channel)
	onClosed func(ch *Channel)
}

// NewMux creates a multiplexer bound to a session's outbound path.
func NewMux(lg logger.Logger, sender PacketSender, cfg Config) *Mux {
	return &Mux{
		Logger:       lg,
		sender:       sender,
		cfg:          cfg,
		channels:     make(map[uint32]*Channel),
		typeHandlers: make(map[string]ChannelHandler),
	}
}

// SetChannelEvents registers callbacks invoked when a channel becomes open
// and when it is torn down. Must be called before traffic flows.
func (m *Mux) SetChannelEvents(onOpened, onClosed func(ch *Channel)) {
	m.onOpened = onOpened
	m.onClosed = onClosed
}

// RegisterChannelType registers a handler for inbound opens of the named
// channel type. Opens of unregistered types are rejected.
func (m *Mux) RegisterChannelType(chanType string, h ChannelHandler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.typeHandlers[chanType] = h
}

// NumChannels returns the number of live channel records.
func (m *Mux) NumChannels() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.channels)
}

// allocID returns the next local channel id. Ids increase monotonically and
// an id is never reused while any record (including one still closing) holds
// it.
func (m *Mux) allocID() uint32 {
	for {
		id := m.nextID
		m.nextID++
		if _, busy := m.channels[id]; !busy {
			return id
		}
	}
}

// OpenChannel opens a new outbound channel of the given type and blocks
// until the peer confirms or rejects it. extra is the type-specific open
// payload.
func (m *Mux) OpenChannel(chanType string, extra []byte) (*Channel, error) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return nil, ErrMuxClosed
	}
	if m.cfg.MaxChannels > 0 && len(m.channels) >= m.cfg.MaxChannels {
		m.lock.Unlock()
		return nil, fmt.Errorf("sshmux: too many channels (%d)", m.cfg.MaxChannels)
	}
	id := m.allocID()
	ch := newChannel(m, id, chanType, m.cfg.InitialWindow, m.cfg.MaxPacketSize)
	ch.openResult = make(chan error, 1)
	m.channels[id] = ch
	m.lock.Unlock()

	err := m.sender.SendMessage(&sshwire.ChannelOpen{
		ChannelType:   chanType,
		SenderID:      id,
		InitialWindow: m.cfg.InitialWindow,
		MaxPacketSize: m.cfg.MaxPacketSize,
		Payload:       extra,
	})
	if err != nil {
		m.removeChannel(ch, err)
		return nil, err
	}
	if err := <-ch.openResult; err != nil {
		return nil, err
	}
	if m.onOpened != nil {
		m.onOpened(ch)
	}
	return ch, nil
}

// HandleMessage processes one inbound connection-layer message. It must be
// called from the session's dispatch goroutine, in receipt order. A returned
// *ChannelError has already been handled at channel scope and need not fail
// the session; any other error is the caller's to escalate.
func (m *Mux) HandleMessage(msg sshwire.Message) error {
	switch t := msg.(type) {
	case *sshwire.ChannelOpen:
		return m.handleOpen(t)
	case *sshwire.ChannelOpenConfirm:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleOpenConfirm(t)
	case *sshwire.ChannelOpenFailure:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleOpenFailure(t)
	case *sshwire.ChannelWindowAdjust:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleWindowAdjust(t.AdditionalBytes)
	case *sshwire.ChannelData:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleData(t.Data, false)
	case *sshwire.ChannelExtendedData:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleData(t.Data, true)
	case *sshwire.ChannelEOF:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		ch.handleEOF()
		return nil
	case *sshwire.ChannelClose:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleClose()
	case *sshwire.ChannelRequest:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleRequest(t)
	case *sshwire.ChannelSuccess:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleReply(true)
	case *sshwire.ChannelFailure:
		ch, err := m.lookup(t.RecipientID)
		if err != nil {
			return err
		}
		return ch.handleReply(false)
	default:
		return fmt.Errorf("sshmux: unexpected message type %T", msg)
	}
}

func (m *Mux) lookup(localID uint32) (*Channel, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	ch, ok := m.channels[localID]
	if !ok {
		return nil, &ChannelError{LocalID: localID, Err: ErrUnknownChannel}
	}
	return ch, nil
}

func (m *Mux) handleOpen(t *sshwire.ChannelOpen) error {
	reject := func(reason uint32, desc string) error {
		return m.sender.SendMessage(&sshwire.ChannelOpenFailure{
			RecipientID: t.SenderID,
			Reason:      reason,
			Description: desc,
		})
	}

	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return reject(sshwire.OpenConnectFailed, "session closing")
	}
	handler, ok := m.typeHandlers[t.ChannelType]
	if !ok {
		m.lock.Unlock()
		m.DLogf("rejecting open of unknown channel type %q", t.ChannelType)
		return reject(sshwire.OpenUnknownChannelType, fmt.Sprintf("unknown channel type %q", t.ChannelType))
	}
	if m.cfg.MaxChannels > 0 && len(m.channels) >= m.cfg.MaxChannels {
		m.lock.Unlock()
		m.WLogf("rejecting channel open: %d channels already live", m.cfg.MaxChannels)
		return reject(sshwire.OpenResourceShortage, "too many channels")
	}
	id := m.allocID()
	ch := newChannel(m, id, t.ChannelType, m.cfg.InitialWindow, m.cfg.MaxPacketSize)
	ch.remoteID = t.SenderID
	ch.remoteWindow = t.InitialWindow
	ch.remoteMaxPacket = t.MaxPacketSize
	ch.state = channelOpen
	m.channels[id] = ch
	m.lock.Unlock()

	err := m.sender.SendMessage(&sshwire.ChannelOpenConfirm{
		RecipientID:   t.SenderID,
		SenderID:      id,
		InitialWindow: m.cfg.InitialWindow,
		MaxPacketSize: m.cfg.MaxPacketSize,
	})
	if err != nil {
		m.removeChannel(ch, err)
		return err
	}
	if m.onOpened != nil {
		m.onOpened(ch)
	}
	if err := handler(ch, t.Payload); err != nil {
		m.DLogf("channel %d handler rejected open: %s", id, err)
		ch.CloseWith(err)
	}
	return nil
}

// removeChannel finalizes a channel record: it is dropped from the table and
// the closed notification fires exactly once.
func (m *Mux) removeChannel(ch *Channel, cause error) {
	m.lock.Lock()
	_, live := m.channels[ch.localID]
	delete(m.channels, ch.localID)
	m.lock.Unlock()
	ch.finalize(cause)
	if live && m.onClosed != nil {
		m.onClosed(ch)
	}
}

// ForceCloseAll tears down every channel with the given cause. Used when the
// owning session fails or closes; each channel's close notification fires
// exactly once and no late inbound message can reopen a record.
func (m *Mux) ForceCloseAll(cause error) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	m.closeErr = cause
	chans := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.lock.Unlock()

	for _, ch := range chans {
		m.removeChannel(ch, cause)
	}
}
