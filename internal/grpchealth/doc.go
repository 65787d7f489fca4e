// Package grpchealth exposes the engine's health band over the standard
// gRPC health checking protocol (grpc.health.v1).
//
// Report maps the monitor's status to a serving status: "poor" is
// NOT_SERVING, every other band is SERVING. Both the overall service ("")
// and the named perfcore service carry the same status.
package grpchealth
