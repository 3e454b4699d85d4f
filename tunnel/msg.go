package tunnel

import "fmt"

// MsgKind is the type byte of a frame.
type MsgKind uint8

const (
	KindOK             MsgKind = 0x0
	KindError          MsgKind = 0x1
	KindSubscribe      MsgKind = 0x2
	KindUnsubscribe    MsgKind = 0x3
	KindOpen           MsgKind = 0x4
	KindClose          MsgKind = 0x5
	KindData           MsgKind = 0x6
	KindCtrl           MsgKind = 0x7
	KindUnsubscribeAll MsgKind = 0x8
)

func (k MsgKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindError:
		return "error"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindData:
		return "data"
	case KindCtrl:
		return "ctrl"
	case KindUnsubscribeAll:
		return "unsubscribe_all"
	default:
		return fmt.Sprintf("other(0x%02x)", uint8(k))
	}
}

// Msg is one frame of the tunnel protocol, in either direction.
type Msg struct {
	Kind      MsgKind
	ChannelID uint16
	ClientID  uint16
	Data      []byte
}

// NewMsg builds an outbound message. The channel id is filled in by the Topic when it is written.
func NewMsg(kind MsgKind, clientID uint16, data []byte) *Msg {
	return &Msg{Kind: kind, ClientID: clientID, Data: data}
}

// Size is the payload length carried in the frame header.
func (m *Msg) Size() int { return len(m.Data) }

func (m *Msg) String() string {
	return fmt.Sprintf("%s channel=%d client=%d size=%d", m.Kind, m.ChannelID, m.ClientID, len(m.Data))
}
