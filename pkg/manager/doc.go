// Package manager wires the state machine into a Raft-replicated
// coordinator node. The FSM applies committed commands to the local store;
// the Manager proposes commands, fans applied changes out through the
// broker, and handles cluster membership.
package manager
