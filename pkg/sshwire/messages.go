package sshwire

import (
	"fmt"
)

// Transport-layer message numbers.
const (
	MsgDisconnect     = 1
	MsgIgnore         = 2
	MsgUnimplemented  = 3
	MsgDebug          = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6

	MsgKexInit = 20
	MsgNewKeys = 21

	// Key-exchange-method-specific range. The one built-in KEX family uses
	// the ECDH init/reply pair.
	MsgKexECDHInit  = 30
	MsgKexECDHReply = 31
)

// Connection-layer message numbers.
const (
	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen         = 90
	MsgChannelOpenConfirm  = 91
	MsgChannelOpenFailure  = 92
	MsgChannelWindowAdjust = 93
	MsgChannelData         = 94
	MsgChannelExtendedData = 95
	MsgChannelEOF          = 96
	MsgChannelClose        = 97
	MsgChannelRequest      = 98
	MsgChannelSuccess      = 99
	MsgChannelFailure      = 100
)

// Disconnect reason codes.
const (
	DisconnectProtocolError               = 2
	DisconnectKeyExchangeFailed           = 3
	DisconnectMACError                    = 5
	DisconnectCompressionError            = 6
	DisconnectServiceNotAvailable         = 7
	DisconnectProtocolVersionNotSupported = 8
	DisconnectHostKeyNotVerifiable        = 9
	DisconnectConnectionLost              = 10
	DisconnectByApplication               = 11
	DisconnectTooManyConnections          = 12
)

// Channel open failure reason codes.
const (
	OpenAdministrativelyProhibited = 1
	OpenConnectFailed              = 2
	OpenUnknownChannelType         = 3
	OpenResourceShortage           = 4
)

// ExtendedDataStderr is the extended-data type code for the stderr stream.
const ExtendedDataStderr = 1

// Message is one decoded packet payload. Marshal returns the full payload
// including the leading message-number byte.
type Message interface {
	MessageNumber() byte
	Marshal() []byte
}

// Disconnect terminates the session, giving the peer a reason.
type Disconnect struct {
	Reason      uint32
	Description string
	Language    string
}

func (m *Disconnect) MessageNumber() byte { return MsgDisconnect }

func (m *Disconnect) Marshal() []byte {
	b := []byte{MsgDisconnect}
	b = AppendU32(b, m.Reason)
	b = AppendString(b, []byte(m.Description))
	b = AppendString(b, []byte(m.Language))
	return b
}

func (m *Disconnect) Error() string {
	return fmt.Sprintf("peer disconnected (reason %d): %s", m.Reason, m.Description)
}

// Ignore carries data both sides must discard; usable for traffic padding.
type Ignore struct {
	Data []byte
}

func (m *Ignore) MessageNumber() byte { return MsgIgnore }

func (m *Ignore) Marshal() []byte {
	b := []byte{MsgIgnore}
	return AppendString(b, m.Data)
}

// Unimplemented is the mandatory reply to a message number the receiver does
// not recognize. Sequence is the receive sequence number of the offending
// packet.
type Unimplemented struct {
	Sequence uint32
}

func (m *Unimplemented) MessageNumber() byte { return MsgUnimplemented }

func (m *Unimplemented) Marshal() []byte {
	return AppendU32([]byte{MsgUnimplemented}, m.Sequence)
}

// Debug carries a free-form diagnostic message.
type Debug struct {
	AlwaysDisplay bool
	Message       string
	Language      string
}

func (m *Debug) MessageNumber() byte { return MsgDebug }

func (m *Debug) Marshal() []byte {
	b := []byte{MsgDebug}
	b = AppendBool(b, m.AlwaysDisplay)
	b = AppendString(b, []byte(m.Message))
	b = AppendString(b, []byte(m.Language))
	return b
}

// ServiceRequest asks the peer to start a named service layer on the session.
type ServiceRequest struct {
	Name string
}

func (m *ServiceRequest) MessageNumber() byte { return MsgServiceRequest }

func (m *ServiceRequest) Marshal() []byte {
	return AppendString([]byte{MsgServiceRequest}, []byte(m.Name))
}

// ServiceAccept confirms a ServiceRequest.
type ServiceAccept struct {
	Name string
}

func (m *ServiceAccept) MessageNumber() byte { return MsgServiceAccept }

func (m *ServiceAccept) Marshal() []byte {
	return AppendString([]byte{MsgServiceAccept}, []byte(m.Name))
}

// KexInit advertises one side's preference-ordered algorithm lists and opens
// (or re-opens, for rekeying) key exchange.
type KexInit struct {
	Cookie                [16]byte
	KexAlgorithms         []string
	HostKeyAlgorithms     []string
	CiphersClientToServer []string
	CiphersServerToClient []string
	MACsClientToServer    []string
	MACsServerToClient    []string
	CompClientToServer    []string
	CompServerToClient    []string
	LangClientToServer    []string
	LangServerToClient    []string
	FirstKexPacketFollows bool
}

func (m *KexInit) MessageNumber() byte { return MsgKexInit }

func (m *KexInit) Marshal() []byte {
	b := []byte{MsgKexInit}
	b = append(b, m.Cookie[:]...)
	b = AppendNameList(b, m.KexAlgorithms)
	b = AppendNameList(b, m.HostKeyAlgorithms)
	b = AppendNameList(b, m.CiphersClientToServer)
	b = AppendNameList(b, m.CiphersServerToClient)
	b = AppendNameList(b, m.MACsClientToServer)
	b = AppendNameList(b, m.MACsServerToClient)
	b = AppendNameList(b, m.CompClientToServer)
	b = AppendNameList(b, m.CompServerToClient)
	b = AppendNameList(b, m.LangClientToServer)
	b = AppendNameList(b, m.LangServerToClient)
	b = AppendBool(b, m.FirstKexPacketFollows)
	b = AppendU32(b, 0) // reserved
	return b
}

// NewKeys signals that the sender's next packet is encrypted with the keys
// just negotiated.
type NewKeys struct{}

func (m *NewKeys) MessageNumber() byte { return MsgNewKeys }

func (m *NewKeys) Marshal() []byte { return []byte{MsgNewKeys} }

// KexECDHInit is the initiator's ephemeral public key.
type KexECDHInit struct {
	ClientPub []byte
}

func (m *KexECDHInit) MessageNumber() byte { return MsgKexECDHInit }

func (m *KexECDHInit) Marshal() []byte {
	return AppendString([]byte{MsgKexECDHInit}, m.ClientPub)
}

// KexECDHReply carries the responder's host key blob, ephemeral public key,
// and signature over the exchange hash.
type KexECDHReply struct {
	HostKey   []byte
	ServerPub []byte
	Signature []byte
}

func (m *KexECDHReply) MessageNumber() byte { return MsgKexECDHReply }

func (m *KexECDHReply) Marshal() []byte {
	b := []byte{MsgKexECDHReply}
	b = AppendString(b, m.HostKey)
	b = AppendString(b, m.ServerPub)
	b = AppendString(b, m.Signature)
	return b
}

// GlobalRequest is a session-scoped request, optionally expecting a reply.
type GlobalRequest struct {
	Type      string
	WantReply bool
	Payload   []byte
}

func (m *GlobalRequest) MessageNumber() byte { return MsgGlobalRequest }

func (m *GlobalRequest) Marshal() []byte {
	b := []byte{MsgGlobalRequest}
	b = AppendString(b, []byte(m.Type))
	b = AppendBool(b, m.WantReply)
	return append(b, m.Payload...)
}

// RequestSuccess is the positive reply to the oldest outstanding global
// request that wanted one.
type RequestSuccess struct {
	Payload []byte
}

func (m *RequestSuccess) MessageNumber() byte { return MsgRequestSuccess }

func (m *RequestSuccess) Marshal() []byte {
	return append([]byte{MsgRequestSuccess}, m.Payload...)
}

// RequestFailure is the negative reply to the oldest outstanding global
// request that wanted one.
type RequestFailure struct{}

func (m *RequestFailure) MessageNumber() byte { return MsgRequestFailure }

func (m *RequestFailure) Marshal() []byte { return []byte{MsgRequestFailure} }

// ChannelOpen asks the peer to open a logical channel of the given type.
// SenderID is the requesting side's local channel id.
type ChannelOpen struct {
	ChannelType   string
	SenderID      uint32
	InitialWindow uint32
	MaxPacketSize uint32
	Payload       []byte
}

func (m *ChannelOpen) MessageNumber() byte { return MsgChannelOpen }

func (m *ChannelOpen) Marshal() []byte {
	b := []byte{MsgChannelOpen}
	b = AppendString(b, []byte(m.ChannelType))
	b = AppendU32(b, m.SenderID)
	b = AppendU32(b, m.InitialWindow)
	b = AppendU32(b, m.MaxPacketSize)
	return append(b, m.Payload...)
}

// ChannelOpenConfirm accepts a ChannelOpen. RecipientID is the opener's id
// for the channel; SenderID is the confirmer's.
type ChannelOpenConfirm struct {
	RecipientID   uint32
	SenderID      uint32
	InitialWindow uint32
	MaxPacketSize uint32
	Payload       []byte
}

func (m *ChannelOpenConfirm) MessageNumber() byte { return MsgChannelOpenConfirm }

func (m *ChannelOpenConfirm) Marshal() []byte {
	b := []byte{MsgChannelOpenConfirm}
	b = AppendU32(b, m.RecipientID)
	b = AppendU32(b, m.SenderID)
	b = AppendU32(b, m.InitialWindow)
	b = AppendU32(b, m.MaxPacketSize)
	return append(b, m.Payload...)
}

// ChannelOpenFailure rejects a ChannelOpen.
type ChannelOpenFailure struct {
	RecipientID uint32
	Reason      uint32
	Description string
	Language    string
}

func (m *ChannelOpenFailure) MessageNumber() byte { return MsgChannelOpenFailure }

func (m *ChannelOpenFailure) Marshal() []byte {
	b := []byte{MsgChannelOpenFailure}
	b = AppendU32(b, m.RecipientID)
	b = AppendU32(b, m.Reason)
	b = AppendString(b, []byte(m.Description))
	b = AppendString(b, []byte(m.Language))
	return b
}

// ChannelWindowAdjust grants the peer AdditionalBytes more bytes of send
// window on a channel.
type ChannelWindowAdjust struct {
	RecipientID     uint32
	AdditionalBytes uint32
}

func (m *ChannelWindowAdjust) MessageNumber() byte { return MsgChannelWindowAdjust }

func (m *ChannelWindowAdjust) Marshal() []byte {
	b := []byte{MsgChannelWindowAdjust}
	b = AppendU32(b, m.RecipientID)
	return AppendU32(b, m.AdditionalBytes)
}

// ChannelData carries stream bytes on a channel.
type ChannelData struct {
	RecipientID uint32
	Data        []byte
}

func (m *ChannelData) MessageNumber() byte { return MsgChannelData }

func (m *ChannelData) Marshal() []byte {
	b := []byte{MsgChannelData}
	b = AppendU32(b, m.RecipientID)
	return AppendString(b, m.Data)
}

// ChannelExtendedData carries a typed secondary stream (e.g. stderr) on a
// channel. Extended data consumes window like ordinary data.
type ChannelExtendedData struct {
	RecipientID uint32
	DataType    uint32
	Data        []byte
}

func (m *ChannelExtendedData) MessageNumber() byte { return MsgChannelExtendedData }

func (m *ChannelExtendedData) Marshal() []byte {
	b := []byte{MsgChannelExtendedData}
	b = AppendU32(b, m.RecipientID)
	b = AppendU32(b, m.DataType)
	return AppendString(b, m.Data)
}

// ChannelEOF announces no more data will be sent on a channel; the other
// direction may continue.
type ChannelEOF struct {
	RecipientID uint32
}

func (m *ChannelEOF) MessageNumber() byte { return MsgChannelEOF }

func (m *ChannelEOF) Marshal() []byte {
	return AppendU32([]byte{MsgChannelEOF}, m.RecipientID)
}

// ChannelClose announces no further messages in either direction on a
// channel. Teardown completes when both sides have sent it.
type ChannelClose struct {
	RecipientID uint32
}

func (m *ChannelClose) MessageNumber() byte { return MsgChannelClose }

func (m *ChannelClose) Marshal() []byte {
	return AppendU32([]byte{MsgChannelClose}, m.RecipientID)
}

// ChannelRequest is a channel-scoped request. Replies are correlated strictly
// in FIFO order per channel; there is no request id on the wire.
type ChannelRequest struct {
	RecipientID uint32
	Type        string
	WantReply   bool
	Payload     []byte
}

func (m *ChannelRequest) MessageNumber() byte { return MsgChannelRequest }

func (m *ChannelRequest) Marshal() []byte {
	b := []byte{MsgChannelRequest}
	b = AppendU32(b, m.RecipientID)
	b = AppendString(b, []byte(m.Type))
	b = AppendBool(b, m.WantReply)
	return append(b, m.Payload...)
}

// ChannelSuccess is the positive reply to the oldest outstanding request on
// a channel.
type ChannelSuccess struct {
	RecipientID uint32
}

func (m *ChannelSuccess) MessageNumber() byte { return MsgChannelSuccess }

func (m *ChannelSuccess) Marshal() []byte {
	return AppendU32([]byte{MsgChannelSuccess}, m.RecipientID)
}

// ChannelFailure is the negative reply to the oldest outstanding request on
// a channel.
type ChannelFailure struct {
	RecipientID uint32
}

func (m *ChannelFailure) MessageNumber() byte { return MsgChannelFailure }

func (m *ChannelFailure) Marshal() []byte {
	return AppendU32([]byte{MsgChannelFailure}, m.RecipientID)
}

// UnknownMessageError is returned by Parse for a message number this engine
// does not implement. The transport replies with Unimplemented rather than
// failing the session.
type UnknownMessageError struct {
	Number byte
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("sshwire: unknown message number %d", e.Number)
}

// Parse decodes one packet payload into its typed message. A truncated or
// malformed payload of a known type returns an error wrapping
// ErrShortPayload; an unknown message number returns *UnknownMessageError.
func Parse(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("sshwire: empty packet payload")
	}
	num := payload[0]
	r := NewReader(payload[1:])
	var msg Message
	switch num {
	case MsgDisconnect:
		msg = &Disconnect{
			Reason:      r.U32(),
			Description: r.Text(),
			Language:    r.Text(),
		}
	case MsgIgnore:
		msg = &Ignore{Data: r.String()}
	case MsgUnimplemented:
		msg = &Unimplemented{Sequence: r.U32()}
	case MsgDebug:
		msg = &Debug{
			AlwaysDisplay: r.Bool(),
			Message:       r.Text(),
			Language:      r.Text(),
		}
	case MsgServiceRequest:
		msg = &ServiceRequest{Name: r.Text()}
	case MsgServiceAccept:
		msg = &ServiceAccept{Name: r.Text()}
	case MsgKexInit:
		ki := &KexInit{}
		copy(ki.Cookie[:], r.Bytes(16))
		ki.KexAlgorithms = r.NameList()
		ki.HostKeyAlgorithms = r.NameList()
		ki.CiphersClientToServer = r.NameList()
		ki.CiphersServerToClient = r.NameList()
		ki.MACsClientToServer = r.NameList()
		ki.MACsServerToClient = r.NameList()
		ki.CompClientToServer = r.NameList()
		ki.CompServerToClient = r.NameList()
		ki.LangClientToServer = r.NameList()
		ki.LangServerToClient = r.NameList()
		ki.FirstKexPacketFollows = r.Bool()
		r.U32() // reserved
		msg = ki
	case MsgNewKeys:
		msg = &NewKeys{}
	case MsgKexECDHInit:
		msg = &KexECDHInit{ClientPub: r.String()}
	case MsgKexECDHReply:
		msg = &KexECDHReply{
			HostKey:   r.String(),
			ServerPub: r.String(),
			Signature: r.String(),
		}
	case MsgGlobalRequest:
		msg = &GlobalRequest{
			Type:      r.Text(),
			WantReply: r.Bool(),
			Payload:   r.Remaining(),
		}
	case MsgRequestSuccess:
		msg = &RequestSuccess{Payload: r.Remaining()}
	case MsgRequestFailure:
		msg = &RequestFailure{}
	case MsgChannelOpen:
		msg = &ChannelOpen{
			ChannelType:   r.Text(),
			SenderID:      r.U32(),
			InitialWindow: r.U32(),
			MaxPacketSize: r.U32(),
			Payload:       r.Remaining(),
		}
	case MsgChannelOpenConfirm:
		msg = &ChannelOpenConfirm{
			RecipientID:   r.U32(),
			SenderID:      r.U32(),
			InitialWindow: r.U32(),
			MaxPacketSize: r.U32(),
			Payload:       r.Remaining(),
		}
	case MsgChannelOpenFailure:
		msg = &ChannelOpenFailure{
			RecipientID: r.U32(),
			Reason:      r.U32(),
			Description: r.Text(),
			Language:    r.Text(),
		}
	case MsgChannelWindowAdjust:
		msg = &ChannelWindowAdjust{
			RecipientID:     r.U32(),
			AdditionalBytes: r.U32(),
		}
	case MsgChannelData:
		msg = &ChannelData{
			RecipientID: r.U32(),
			Data:        r.String(),
		}
	case MsgChannelExtendedData:
		msg = &ChannelExtendedData{
			RecipientID: r.U32(),
			DataType:    r.U32(),
			Data:        r.String(),
		}
	case MsgChannelEOF:
		msg = &ChannelEOF{RecipientID: r.U32()}
	case MsgChannelClose:
		msg = &ChannelClose{RecipientID: r.U32()}
	case MsgChannelRequest:
		msg = &ChannelRequest{
			RecipientID: r.U32(),
			Type:        r.Text(),
			WantReply:   r.Bool(),
			Payload:     r.Remaining(),
		}
	case MsgChannelSuccess:
		msg = &ChannelSuccess{RecipientID: r.U32()}
	case MsgChannelFailure:
		msg = &ChannelFailure{RecipientID: r.U32()}
	default:
		return nil, &UnknownMessageError{Number: num}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("sshwire: malformed message %d: %w", num, err)
	}
	return msg, nil
}
