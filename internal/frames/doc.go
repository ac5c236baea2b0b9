// Package frames owns the tracked entities and the graph of reference frames
// they are expressed in.
//
// Every entity carries a pose source (a function of time that may be
// undefined at some instants) and a reference frame. A reference frame is
// either another entity or one of the fixed global frames (FIXED, the
// planet-fixed frame, and INERTIAL). Graph.Resolve walks an entity's ancestor
// chain and composes the local transforms into the requested target frame.
//
// Ancestor chains must be acyclic. A chain that revisits an entity fails the
// resolution with a *CyclicFrameError instead of recursing. A link whose pose
// is undefined at the requested time makes the whole result undefined; that
// is not an error.
package frames
