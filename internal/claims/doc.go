// Package claims provides saga policies for the value-transferring
// operations steward hosts: prize claims over a shared pool and peer-to-peer
// swap acceptance.
//
// Policies hold in-memory state owned by an actor. Every method, including
// the read accessors, must run inside that actor's turns.
package claims
