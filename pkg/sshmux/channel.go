package sshmux

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshcore/pkg/sshwire"
)

// Logger is the ambient logging interface used throughout the multiplexer.
type Logger = logger.Logger

type channelState int

const (
	channelOpening channelState = iota
	channelOpen
	channelClosing
	channelClosed
)

type replyEvent struct {
	ok  bool
	err error
}

// Channel is one logical flow-controlled stream multiplexed over a session.
// Read, Write, SendRequest and Close may be called from any goroutine;
// handle* methods run only on the session dispatch goroutine.
type Channel struct {
	Logger
	mux      *Mux
	localID  uint32
	chanType string

	// openResult is non-nil for locally initiated opens; it receives the
	// outcome of the open handshake exactly once (openDelivered guards).
	openResult    chan error
	openDelivered bool

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	state           channelState
	remoteID        uint32
	remoteWindow    uint32
	remoteMaxPacket uint32

	localWindow        uint32
	localInitialWindow uint32
	localMaxPacket     uint32
	consumed           uint32

	readBuf   []byte
	extBuf    []byte
	gotEOF    bool
	sentEOF   bool
	sentClose bool
	gotClose  bool
	finalized bool
	err       error // abnormal termination cause, nil on clean close

	pending        []chan replyEvent
	requestHandler func(reqType string, payload []byte) bool

	// writeMu serializes Write calls so reserved window chunks hit the
	// wire in reservation order; reqMu does the same for SendRequest so
	// the pending-reply FIFO matches wire order.
	writeMu sync.Mutex
	reqMu   sync.Mutex

	nRead    uint64
	nWritten uint64

	graceTimer *time.Timer
}

func newChannel(m *Mux, id uint32, chanType string, initialWindow, maxPacket uint32) *Channel {
	ch := &Channel{
		Logger:             m.Logger.ForkLogf("Channel#%d(%s)", id, chanType),
		mux:                m,
		localID:            id,
		chanType:           chanType,
		state:              channelOpening,
		localWindow:        initialWindow,
		localInitialWindow: initialWindow,
		localMaxPacket:     maxPacket,
	}
	ch.readCond = sync.NewCond(&ch.mu)
	ch.writeCond = sync.NewCond(&ch.mu)
	return ch
}

func (ch *Channel) String() string {
	return fmt.Sprintf("Channel#%d(%s)", ch.localID, ch.chanType)
}

// LocalID returns the session-local channel id.
func (ch *Channel) LocalID() uint32 { return ch.localID }

// RemoteID returns the peer-assigned channel id, valid once open.
func (ch *Channel) RemoteID() uint32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.remoteID
}

// ChannelType returns the channel type name the channel was opened with.
func (ch *Channel) ChannelType() string { return ch.chanType }

// OnRequest registers the handler for inbound channel requests. Without a
// handler, every request wanting a reply gets an explicit failure.
func (ch *Channel) OnRequest(h func(reqType string, payload []byte) bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.requestHandler = h
}

// terminalErrLocked returns the error I/O should report, assuming ch.mu held.
func (ch *Channel) terminalErrLocked() error {
	if ch.err != nil {
		return ch.err
	}
	return ErrChannelClosed
}

// Read returns stream data from the peer, blocking until data, EOF or
// teardown. Consumed bytes are granted back to the peer via window-adjust
// once half the initial window has been eaten, so a steadily reading
// consumer keeps the sender's window open.
func (ch *Channel) Read(p []byte) (int, error) {
	return ch.read(p, &ch.readBuf)
}

// ReadExtended returns extended (stderr-type) data from the peer, with the
// same blocking and window behavior as Read.
func (ch *Channel) ReadExtended(p []byte) (int, error) {
	return ch.read(p, &ch.extBuf)
}

func (ch *Channel) read(p []byte, buf *[]byte) (int, error) {
	ch.mu.Lock()
	for len(*buf) == 0 {
		switch {
		case ch.err != nil:
			err := ch.err
			ch.mu.Unlock()
			return 0, err
		case ch.gotEOF:
			ch.mu.Unlock()
			return 0, io.EOF
		case ch.finalized || ch.sentClose:
			ch.mu.Unlock()
			return 0, ErrChannelClosed
		}
		ch.readCond.Wait()
	}
	n := copy(p, *buf)
	*buf = (*buf)[n:]
	ch.nRead += uint64(n)
	var grant uint32
	var remoteID uint32
	ch.consumed += uint32(n)
	if ch.consumed >= ch.localInitialWindow/2 && !ch.sentClose && !ch.finalized {
		grant = ch.consumed
		ch.consumed = 0
		ch.localWindow += grant
		remoteID = ch.remoteID
	}
	ch.mu.Unlock()

	if grant > 0 {
		// Proactive low-water adjust; losing it to a send failure only
		// costs throughput, teardown is handled elsewhere.
		err := ch.mux.sender.SendMessage(&sshwire.ChannelWindowAdjust{
			RecipientID:     remoteID,
			AdditionalBytes: grant,
		})
		if err != nil {
			ch.DLogf("window adjust send failed: %s", err)
		}
	}
	return n, nil
}

// Write sends stream data to the peer. Writes larger than the remote window
// or the remote maximum packet size are split; the call blocks while the
// window is exhausted until the peer grants more, so callers see
// backpressure rather than an error.
func (ch *Channel) Write(p []byte) (int, error) {
	return ch.write(p, 0, false)
}

// WriteExtended sends extended data of the given type code (usually
// sshwire.ExtendedDataStderr), with Write's splitting and blocking behavior.
func (ch *Channel) WriteExtended(dataType uint32, p []byte) (int, error) {
	return ch.write(p, dataType, true)
}

func (ch *Channel) write(p []byte, dataType uint32, extended bool) (int, error) {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		ch.mu.Lock()
		for ch.remoteWindow == 0 && !ch.finalized && !ch.sentEOF && !ch.sentClose {
			ch.writeCond.Wait()
		}
		if ch.finalized || ch.sentClose {
			err := ch.terminalErrLocked()
			ch.mu.Unlock()
			return total, err
		}
		if ch.sentEOF {
			ch.mu.Unlock()
			return total, fmt.Errorf("sshmux: write after CloseWrite")
		}
		n := len(p)
		if uint32(n) > ch.remoteWindow {
			n = int(ch.remoteWindow)
		}
		if uint32(n) > ch.remoteMaxPacket {
			n = int(ch.remoteMaxPacket)
		}
		ch.remoteWindow -= uint32(n)
		remoteID := ch.remoteID
		ch.mu.Unlock()

		var msg sshwire.Message
		if extended {
			msg = &sshwire.ChannelExtendedData{RecipientID: remoteID, DataType: dataType, Data: p[:n]}
		} else {
			msg = &sshwire.ChannelData{RecipientID: remoteID, Data: p[:n]}
		}
		if err := ch.mux.sender.SendMessage(msg); err != nil {
			return total, err
		}
		ch.mu.Lock()
		ch.nWritten += uint64(n)
		ch.mu.Unlock()
		p = p[n:]
		total += n
	}
	return total, nil
}

// SendRequest issues a channel-scoped request. If wantReply is true it
// blocks until the correlated reply arrives and reports its outcome.
// Correlation is strictly first-in-first-out per channel; replies carry no
// id on the wire.
func (ch *Channel) SendRequest(reqType string, wantReply bool, payload []byte) (bool, error) {
	msg := &sshwire.ChannelRequest{
		Type:      reqType,
		WantReply: wantReply,
		Payload:   payload,
	}
	if !wantReply {
		ch.mu.Lock()
		if ch.finalized || ch.sentClose {
			err := ch.terminalErrLocked()
			ch.mu.Unlock()
			return false, err
		}
		msg.RecipientID = ch.remoteID
		ch.mu.Unlock()
		return false, ch.mux.sender.SendMessage(msg)
	}

	ch.reqMu.Lock()
	ch.mu.Lock()
	if ch.finalized || ch.sentClose {
		err := ch.terminalErrLocked()
		ch.mu.Unlock()
		ch.reqMu.Unlock()
		return false, err
	}
	msg.RecipientID = ch.remoteID
	replyCh := make(chan replyEvent, 1)
	ch.pending = append(ch.pending, replyCh)
	ch.mu.Unlock()
	err := ch.mux.sender.SendMessage(msg)
	ch.reqMu.Unlock()
	if err != nil {
		return false, err
	}
	ev := <-replyCh
	return ev.ok, ev.err
}

// CloseWrite sends EOF: no more data in the outbound direction, while the
// channel stays open for inbound traffic.
func (ch *Channel) CloseWrite() error {
	ch.mu.Lock()
	if ch.finalized || ch.sentClose || ch.sentEOF {
		ch.mu.Unlock()
		return nil
	}
	ch.sentEOF = true
	remoteID := ch.remoteID
	ch.mu.Unlock()
	return ch.mux.sender.SendMessage(&sshwire.ChannelEOF{RecipientID: remoteID})
}

// Close initiates channel teardown. The record remains until the peer's
// close arrives or the grace timeout elapses; the closed notification fires
// exactly once either way.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.finalized || ch.sentClose {
		ch.mu.Unlock()
		return nil
	}
	ch.sentClose = true
	ch.state = channelClosing
	remoteID := ch.remoteID
	bothClosed := ch.gotClose
	if !bothClosed && ch.mux.cfg.CloseGraceTimeout > 0 {
		ch.graceTimer = time.AfterFunc(ch.mux.cfg.CloseGraceTimeout, func() {
			ch.WLogf("peer close not received within %s; forcing teardown", ch.mux.cfg.CloseGraceTimeout)
			ch.mux.removeChannel(ch, nil)
		})
	}
	ch.writeCond.Broadcast()
	ch.readCond.Broadcast()
	ch.mu.Unlock()

	err := ch.mux.sender.SendMessage(&sshwire.ChannelClose{RecipientID: remoteID})
	if bothClosed {
		ch.mux.removeChannel(ch, nil)
	}
	return err
}

// CloseWith records cause as the channel's abnormal termination error and
// closes it.
func (ch *Channel) CloseWith(cause error) {
	ch.mu.Lock()
	if ch.err == nil {
		ch.err = cause
	}
	ch.mu.Unlock()
	ch.Close()
}

func (ch *Channel) handleOpenConfirm(t *sshwire.ChannelOpenConfirm) error {
	ch.mu.Lock()
	if ch.state != channelOpening {
		ch.mu.Unlock()
		return &ChannelError{LocalID: ch.localID, Err: fmt.Errorf("open confirmation on non-opening channel")}
	}
	ch.remoteID = t.SenderID
	ch.remoteWindow = t.InitialWindow
	ch.remoteMaxPacket = t.MaxPacketSize
	ch.state = channelOpen
	ch.openDelivered = true
	ch.mu.Unlock()
	ch.openResult <- nil
	return nil
}

func (ch *Channel) handleOpenFailure(t *sshwire.ChannelOpenFailure) error {
	openErr := &OpenError{Reason: t.Reason, Description: t.Description}
	ch.mux.lock.Lock()
	delete(ch.mux.channels, ch.localID)
	ch.mux.lock.Unlock()
	ch.mu.Lock()
	if ch.finalized || ch.openDelivered {
		ch.mu.Unlock()
		return nil
	}
	ch.finalized = true
	ch.state = channelClosed
	ch.err = openErr
	ch.openDelivered = true
	ch.mu.Unlock()
	ch.openResult <- openErr
	return nil
}

func (ch *Channel) handleWindowAdjust(additional uint32) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if uint64(ch.remoteWindow)+uint64(additional) > math.MaxUint32 {
		return &ChannelError{LocalID: ch.localID, Err: fmt.Errorf("window adjust overflows (%d + %d)", ch.remoteWindow, additional)}
	}
	ch.remoteWindow += additional
	ch.writeCond.Broadcast()
	return nil
}

func (ch *Channel) handleData(data []byte, extended bool) error {
	ch.mu.Lock()
	if ch.finalized {
		ch.mu.Unlock()
		return nil
	}
	if uint32(len(data)) > ch.localMaxPacket {
		ch.mu.Unlock()
		err := &ChannelError{LocalID: ch.localID, Err: fmt.Errorf("data message of %d bytes exceeds advertised maximum packet size %d", len(data), ch.localMaxPacket)}
		ch.CloseWith(err.Err)
		return err
	}
	if uint32(len(data)) > ch.localWindow {
		ch.mu.Unlock()
		err := &ChannelError{LocalID: ch.localID, Err: ErrWindowOverrun}
		ch.CloseWith(ErrWindowOverrun)
		return err
	}
	ch.localWindow -= uint32(len(data))
	if extended {
		ch.extBuf = append(ch.extBuf, data...)
	} else {
		ch.readBuf = append(ch.readBuf, data...)
	}
	ch.readCond.Broadcast()
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) handleEOF() {
	ch.mu.Lock()
	ch.gotEOF = true
	ch.readCond.Broadcast()
	ch.mu.Unlock()
}

func (ch *Channel) handleClose() error {
	ch.mu.Lock()
	ch.gotClose = true
	alreadySent := ch.sentClose
	if !alreadySent {
		ch.sentClose = true
		ch.state = channelClosing
	}
	remoteID := ch.remoteID
	ch.mu.Unlock()

	if !alreadySent {
		if err := ch.mux.sender.SendMessage(&sshwire.ChannelClose{RecipientID: remoteID}); err != nil {
			ch.mux.removeChannel(ch, err)
			return err
		}
	}
	ch.mux.removeChannel(ch, nil)
	return nil
}

func (ch *Channel) handleRequest(t *sshwire.ChannelRequest) error {
	ch.mu.Lock()
	handler := ch.requestHandler
	remoteID := ch.remoteID
	ch.mu.Unlock()

	ok := false
	if handler != nil {
		ok = handler(t.Type, t.Payload)
	} else {
		ch.DLogf("no handler for channel request %q", t.Type)
	}
	if !t.WantReply {
		return nil
	}
	var reply sshwire.Message
	if ok {
		reply = &sshwire.ChannelSuccess{RecipientID: remoteID}
	} else {
		reply = &sshwire.ChannelFailure{RecipientID: remoteID}
	}
	return ch.mux.sender.SendMessage(reply)
}

// handleReply correlates an inbound success/failure with the oldest
// outstanding request on this channel.
func (ch *Channel) handleReply(ok bool) error {
	ch.mu.Lock()
	if len(ch.pending) == 0 {
		ch.mu.Unlock()
		return &ChannelError{LocalID: ch.localID, Err: ErrUnsolicitedReply}
	}
	replyCh := ch.pending[0]
	ch.pending = ch.pending[1:]
	ch.mu.Unlock()
	replyCh <- replyEvent{ok: ok}
	return nil
}

// finalize irreversibly marks the channel closed, waking all blocked
// callers. Idempotent; called only via Mux.removeChannel so the closed
// notification fires at most once.
func (ch *Channel) finalize(cause error) {
	ch.mu.Lock()
	if ch.finalized {
		ch.mu.Unlock()
		return
	}
	ch.finalized = true
	ch.state = channelClosed
	if ch.err == nil && cause != nil && cause != ErrChannelClosed {
		ch.err = cause
	}
	if ch.graceTimer != nil {
		ch.graceTimer.Stop()
		ch.graceTimer = nil
	}
	pending := ch.pending
	ch.pending = nil
	openResult := ch.openResult
	openPending := openResult != nil && !ch.openDelivered
	ch.openDelivered = true
	termErr := ch.terminalErrLocked()
	nRead, nWritten := ch.nRead, ch.nWritten
	ch.readCond.Broadcast()
	ch.writeCond.Broadcast()
	ch.mu.Unlock()

	for _, replyCh := range pending {
		replyCh <- replyEvent{err: termErr}
	}
	if openPending {
		openResult <- termErr
	}
	ch.DLogf("closed (read %s, written %s)", sizestr.ToString(int64(nRead)), sizestr.ToString(int64(nWritten)))
}
