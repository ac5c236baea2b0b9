package wire

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/posesync/internal/frames"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every top-level message.
type Message interface {
	AppendWire(b []byte) []byte
	UnmarshalWire(b []byte) error
}

var (
	_ Message = (*ClientMessage)(nil)
	_ Message = (*ServerMessage)(nil)
)

// Marshal encodes m.
func Marshal(m Message) []byte { return m.AppendWire(nil) }

// skip tells walkFields to discard a field it does not handle.
const skip = math.MinInt32

var errMalformed = errors.New("malformed message")

// walkFields calls fn for every field of b. fn returns the number of bytes
// it consumed from the field value, or skip.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skip {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, num, packed)
}

func consumeString(typ protowire.Type, v []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return skip, nil
	}
	s, n := protowire.ConsumeString(v)
	*dst = s
	return n, nil
}

func consumeVarint(typ protowire.Type, v []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return skip, nil
	}
	x, n := protowire.ConsumeVarint(v)
	*dst = x
	return n, nil
}

// consumeMessage hands the embedded message bytes to fn.
func consumeMessage(typ protowire.Type, v []byte, fn func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return skip, nil
	}
	sub, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return n, nil
	}
	return n, fn(sub)
}

func consumeDoubles(typ protowire.Type, v []byte, dst []float64) (int, error) {
	return consumeMessage(typ, v, func(packed []byte) error {
		if len(packed) != 8*len(dst) {
			return fmt.Errorf("%w: expected %d packed doubles, got %d bytes", errMalformed, len(dst), len(packed))
		}
		for i := range dst {
			bits, n := protowire.ConsumeFixed64(packed)
			if n < 0 {
				return protowire.ParseError(n)
			}
			dst[i] = math.Float64frombits(bits)
			packed = packed[n:]
		}
		return nil
	})
}

// AppendWire encodes s.
func (s *EntityState) AppendWire(b []byte) []byte {
	b = appendString(b, 1, s.ID)
	b = appendDoubles(b, 2, s.Position[:])
	b = appendDoubles(b, 3, s.Orientation[:])
	if s.ReferenceFrame.IsFixed() {
		b = appendVarint(b, 5, uint64(s.ReferenceFrame.FixedFrame()))
	} else {
		b = appendString(b, 4, s.ReferenceFrame.EntityID())
	}
	return b
}

// UnmarshalWire decodes s and validates its reference frame.
func (s *EntityState) UnmarshalWire(b []byte) error {
	var frameEntity string
	var frameFixed uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &s.ID)
		case 2:
			return consumeDoubles(typ, v, s.Position[:])
		case 3:
			return consumeDoubles(typ, v, s.Orientation[:])
		case 4:
			return consumeString(typ, v, &frameEntity)
		case 5:
			return consumeVarint(typ, v, &frameFixed)
		}
		return skip, nil
	})
	if err != nil {
		return err
	}
	if frameFixed != 0 {
		s.ReferenceFrame = frames.Fixed(frames.FixedFrame(frameFixed))
	} else {
		s.ReferenceFrame = frames.EntityFrame(frameEntity)
	}
	if err := s.ReferenceFrame.Validate(); err != nil {
		return fmt.Errorf("entity state %q: %w", s.ID, err)
	}
	return nil
}

// AppendWire encodes r.
func (r *SubscribeRequest) AppendWire(b []byte) []byte {
	b = appendString(b, 1, r.RequestID)
	b = appendString(b, 2, r.EntityID)
	keys := make([]string, 0, len(r.Options))
	for k := range r.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = appendString(entry, 2, r.Options[k])
		b = appendMessage(b, 3, entry)
	}
	return b
}

// UnmarshalWire decodes r.
func (r *SubscribeRequest) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &r.RequestID)
		case 2:
			return consumeString(typ, v, &r.EntityID)
		case 3:
			return consumeMessage(typ, v, func(entry []byte) error {
				var key, val string
				err := walkFields(entry, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, v, &key)
					case 2:
						return consumeString(typ, v, &val)
					}
					return skip, nil
				})
				if err != nil {
					return err
				}
				if r.Options == nil {
					r.Options = make(Options)
				}
				r.Options[key] = val
				return nil
			})
		}
		return skip, nil
	})
}

// AppendWire encodes r.
func (r *UnsubscribeRequest) AppendWire(b []byte) []byte {
	return appendString(b, 1, r.EntityID)
}

// UnmarshalWire decodes r.
func (r *UnsubscribeRequest) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, v, &r.EntityID)
		}
		return skip, nil
	})
}

// AppendWire encodes m.
func (m *ClientMessage) AppendWire(b []byte) []byte {
	switch {
	case m.Subscribe != nil:
		b = appendMessage(b, 1, m.Subscribe.AppendWire(nil))
	case m.Unsubscribe != nil:
		b = appendMessage(b, 2, m.Unsubscribe.AppendWire(nil))
	}
	return b
}

// UnmarshalWire decodes m. A message carrying neither request is malformed.
func (m *ClientMessage) UnmarshalWire(b []byte) error {
	*m = ClientMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, v, func(sub []byte) error {
				m.Subscribe = &SubscribeRequest{}
				return m.Subscribe.UnmarshalWire(sub)
			})
		case 2:
			return consumeMessage(typ, v, func(sub []byte) error {
				m.Unsubscribe = &UnsubscribeRequest{}
				return m.Unsubscribe.UnmarshalWire(sub)
			})
		}
		return skip, nil
	})
	if err != nil {
		return err
	}
	if m.Subscribe == nil && m.Unsubscribe == nil {
		return fmt.Errorf("%w: empty client message", errMalformed)
	}
	return nil
}

// AppendWire encodes a.
func (a *SubscribeAck) AppendWire(b []byte) []byte {
	b = appendString(b, 1, a.RequestID)
	b = appendString(b, 2, a.EntityID)
	if a.State != nil {
		b = appendMessage(b, 3, a.State.AppendWire(nil))
	}
	b = appendVarint(b, 4, uint64(a.Reason))
	b = appendString(b, 5, a.Message)
	return b
}

// UnmarshalWire decodes a.
func (a *SubscribeAck) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &a.RequestID)
		case 2:
			return consumeString(typ, v, &a.EntityID)
		case 3:
			return consumeMessage(typ, v, func(sub []byte) error {
				a.State = &EntityState{}
				return a.State.UnmarshalWire(sub)
			})
		case 4:
			var reason uint64
			n, err := consumeVarint(typ, v, &reason)
			a.Reason = Reason(reason)
			return n, err
		case 5:
			return consumeString(typ, v, &a.Message)
		}
		return skip, nil
	})
}

// AppendWire encodes u. Entries are written in id order so equal updates
// encode to equal bytes.
func (u *StateUpdate) AppendWire(b []byte) []byte {
	if !u.Time.IsZero() {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.Time.UnixNano()))
	}
	ids := make([]string, 0, len(u.States))
	for id := range u.States {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, id)
		if st := u.States[id]; st != nil {
			entry = appendMessage(entry, 2, st.AppendWire(nil))
		}
		b = appendMessage(b, 2, entry)
	}
	return b
}

// UnmarshalWire decodes u. Entries without a state decode to nil values.
func (u *StateUpdate) UnmarshalWire(b []byte) error {
	u.States = make(map[string]*EntityState)
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			var nanos uint64
			n, err := consumeVarint(typ, v, &nanos)
			u.Time = time.Unix(0, int64(nanos)).UTC()
			return n, err
		case 2:
			return consumeMessage(typ, v, func(entry []byte) error {
				var id string
				var state *EntityState
				err := walkFields(entry, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, v, &id)
					case 2:
						return consumeMessage(typ, v, func(sub []byte) error {
							state = &EntityState{}
							return state.UnmarshalWire(sub)
						})
					}
					return skip, nil
				})
				if err != nil {
					return err
				}
				u.States[id] = state
				return nil
			})
		}
		return skip, nil
	})
}

// AppendWire encodes m.
func (m *ServerMessage) AppendWire(b []byte) []byte {
	switch {
	case m.Ack != nil:
		b = appendMessage(b, 1, m.Ack.AppendWire(nil))
	case m.Update != nil:
		b = appendMessage(b, 2, m.Update.AppendWire(nil))
	}
	return b
}

// UnmarshalWire decodes m.
func (m *ServerMessage) UnmarshalWire(b []byte) error {
	*m = ServerMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, v, func(sub []byte) error {
				m.Ack = &SubscribeAck{}
				return m.Ack.UnmarshalWire(sub)
			})
		case 2:
			return consumeMessage(typ, v, func(sub []byte) error {
				m.Update = &StateUpdate{}
				return m.Update.UnmarshalWire(sub)
			})
		}
		return skip, nil
	})
	if err != nil {
		return err
	}
	if m.Ack == nil && m.Update == nil {
		return fmt.Errorf("%w: empty server message", errMalformed)
	}
	return nil
}
