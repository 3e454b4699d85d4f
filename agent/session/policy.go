package session

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// ErrDecode is returned when a Subscribe payload does not carry a valid identity label.
var ErrDecode = errors.New("decoding identity label")

// Policy decides how subscribed peers map onto processes. It is picked once at startup.
type Policy interface {
	Name() string
	// OnSubscribe extracts the peer label from a Subscribe payload.
	OnSubscribe(payload []byte) (string, error)
	// Shared reports whether all peers share one registry-owned process instead of one each.
	Shared() bool
	// Env returns the variables added to the environment of a process spawned for a peer.
	Env(id uint16, label string) []string
}

var (
	// Exclusive gives every peer its own process.
	Exclusive Policy = exclusive{}
	// Broadcast runs one process for everyone and fans its output out to every peer.
	Broadcast Policy = broadcast{}
	// Identity gives every peer its own process, told who the peer is through CUSER and CID.
	Identity Policy = identity{}
)

// PolicyByName returns the policy called name.
func PolicyByName(name string) (Policy, error) {
	for _, p := range []Policy{Exclusive, Broadcast, Identity} {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown policy %q", name)
}

type exclusive struct{}

func (exclusive) Name() string                               { return "exclusive" }
func (exclusive) OnSubscribe(payload []byte) (string, error) { return "", nil }
func (exclusive) Shared() bool                               { return false }
func (exclusive) Env(id uint16, label string) []string       { return nil }

type broadcast struct{}

func (broadcast) Name() string                               { return "shared" }
func (broadcast) OnSubscribe(payload []byte) (string, error) { return decodeLabel(payload) }
func (broadcast) Shared() bool                               { return true }
func (broadcast) Env(id uint16, label string) []string       { return nil }

type identity struct{}

func (identity) Name() string                               { return "identity" }
func (identity) OnSubscribe(payload []byte) (string, error) { return decodeLabel(payload) }
func (identity) Shared() bool                               { return false }

func (identity) Env(id uint16, label string) []string {
	return []string{
		"CUSER=" + label,
		"CID=" + strconv.FormatUint(uint64(id), 10),
	}
}

// decodeLabel strips the one-byte terminator the server appends to the label.
func decodeLabel(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrDecode)
	}
	label := payload[:len(payload)-1]
	if !utf8.Valid(label) {
		return "", fmt.Errorf("%w: %q is not valid UTF-8", ErrDecode, label)
	}
	return string(label), nil
}
