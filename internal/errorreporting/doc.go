// Package errorreporting forwards background-loop failures and recovered
// panics to Sentry. Everything is a no-op until Init is called with a DSN.
package errorreporting
