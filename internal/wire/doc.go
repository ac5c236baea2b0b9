// Package wire defines the session messages exchanged between a manager and
// its client applications and their binary encoding.
//
// Messages are encoded in the protocol buffers wire format with
// google.golang.org/protobuf/encoding/protowire. The field layout is:
//
//	ClientMessage      1: SubscribeRequest  2: UnsubscribeRequest
//	SubscribeRequest   1: request_id  2: entity_id  3: repeated Option{1: key, 2: value}
//	UnsubscribeRequest 1: entity_id
//	ServerMessage      1: SubscribeAck  2: StateUpdate
//	SubscribeAck       1: request_id  2: entity_id  3: EntityState  4: reason  5: message
//	StateUpdate        1: time_unix_nanos  2: repeated StateEntry{1: id, 2: EntityState}
//	EntityState        1: id  2: packed double position[3]  3: packed double orientation[4]
//	                   4: frame_entity_id  5: frame_fixed
//
// An absent EntityState means the entity is currently unknown (null), which
// is distinct from the entity not being present in the update at all.
//
// Codec plugs the encoding into gRPC under the "posesync" content subtype.
package wire
