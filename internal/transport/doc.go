// Package transport carries inter-actor calls over gRPC.
//
// Messages are CBOR encoded with the codec registered under the "cbor"
// content subtype, so no generated protobuf code is involved. One service,
// steward.actor.v1.Actor, exposes the four calls the upgrade scheduler,
// saga executor and retry outbox make on remote actors:
//
//	CallOneWay  deliver a notification
//	Install     upgrade a worker
//	Transfer    move value on a ledger
//	Balance     report a worker's resource balance
//
// A declined transfer is an ordinary reply carrying a decline code. Every
// other failure is a gRPC status error, which callers treat as a call
// failure.
package transport
