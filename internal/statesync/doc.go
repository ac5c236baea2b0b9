// Package statesync is the provider side of entity subscriptions. It keeps,
// per connected session, the entities that session subscribed to and, on
// every frame, pushes each session a map of serialized entity states.
//
// All subscription state is owned by the frame pass. Subscribe, Unsubscribe,
// OpenSession and CloseSession only queue operations; Frame applies the queue
// at the frame boundary and then fans out. One fill therefore always sees a
// stable subscriber set, and every session of a frame is served from the same
// time-stamped cache, so an entity is serialized at most once per frame no
// matter how many sessions receive it.
//
// The states handed to a session are ancestor complete: when an entity is
// expressed relative to another entity, that entity's state is included too.
package statesync
