// Package auth enforces API-key authentication on the perfcore listeners.
//
// APIKeyInterceptor and APIKeyStreamInterceptor guard the gRPC health
// service; RequireAPIKey guards the HTTP API. All three read the key from
// one configurable header (gRPC metadata keys are lowercase).
//
// When mode is not "apikey" or no key is configured every call passes
// through, which keeps local development free of credentials.
package auth
