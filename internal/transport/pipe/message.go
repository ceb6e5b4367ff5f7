package pipe

import "strings"

// Commands received from the softphone peer.
const (
	CmdRinging      = "RINGING"
	CmdRingback     = "RINGBACK"
	CmdConnected    = "CONNECTED"
	CmdDisconnected = "DISCONNECTED"
	CmdDropCall     = "DROP-CALL"
	CmdCallInfo     = "CALL-INFO"
)

// Commands sent to the softphone peer.
const (
	CmdSrvHello = "SRVHELLO"
	CmdMakeCall = "MAKE-CALL"
)

// Distinguished keys of the wire grammar.
const (
	KeyCmd            = "cmd"
	KeyCallID         = "callid"
	KeyRequestID      = "__reqId"
	KeyReply          = "reply"
	KeyAnswer         = "__answ#"
	KeyResult         = "result"
	KeyNumber         = "number"
	KeyOriginator     = "originator"
	KeyOriginatorName = "originator_name"
	KeyCalledNumber   = "called_number"
	KeyCalledName     = "called_name"
)

type token struct {
	key   string
	value string
	flag  bool // bare token without a value
}

// Message is one decoded frame payload: an ordered set of key=value tokens.
type Message struct {
	tokens []token
}

// NewMessage builds an outbound message for cmd with optional key/value pairs.
func NewMessage(cmd string, kvs ...string) Message {
	m := Message{tokens: []token{{key: KeyCmd, value: cmd}}}
	for i := 0; i+1 < len(kvs); i += 2 {
		m.tokens = append(m.tokens, token{key: kvs[i], value: kvs[i+1]})
	}
	return m
}

// WithFlag appends a bare flag token.
func (m Message) WithFlag(name string) Message {
	m.tokens = append(m.tokens, token{key: name, flag: true})
	return m
}

// ParseMessage splits a frame payload into tokens. A token without "=" is a
// bare flag.
func ParseMessage(payload string) Message {
	var m Message
	for _, raw := range strings.Split(payload, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if k, v, ok := strings.Cut(raw, "="); ok {
			m.tokens = append(m.tokens, token{key: k, value: v})
		} else {
			m.tokens = append(m.tokens, token{key: raw, flag: true})
		}
	}
	return m
}

// Encode renders the message back to its wire payload form.
func (m Message) Encode() string {
	parts := make([]string, 0, len(m.tokens))
	for _, t := range m.tokens {
		if t.flag {
			parts = append(parts, t.key)
		} else {
			parts = append(parts, t.key+"="+t.value)
		}
	}
	return strings.Join(parts, ",")
}

// Get returns the value for key, or "".
func (m Message) Get(key string) string {
	for _, t := range m.tokens {
		if t.key == key {
			return t.value
		}
	}
	return ""
}

// Has reports whether key is present, as a pair or a bare flag.
func (m Message) Has(key string) bool {
	for _, t := range m.tokens {
		if t.key == key {
			return true
		}
	}
	return false
}

// Cmd returns the command name.
func (m Message) Cmd() string { return m.Get(KeyCmd) }

// CallID returns the transport call identifier.
func (m Message) CallID() string { return m.Get(KeyCallID) }

// RequestID returns the request correlation token.
func (m Message) RequestID() string { return m.Get(KeyRequestID) }

// IsReply reports whether this frame acknowledges a command we sent rather
// than announcing a call event. Checked before any command interpretation so
// acknowledgements are never mistaken for call events.
func (m Message) IsReply() bool {
	return m.Has(KeyReply) || m.Has(KeyAnswer)
}
