// Package grpcserver serves the actor-to-actor transport of a steward node.
// Incoming one-way calls are appended to the actor's inbox journal, and the
// standard grpc.health.v1 service reports runtime health.
package grpcserver
