// ABOUTME: Package apierr defines the closed set of protocol error kinds
// ABOUTME: Each kind carries a fixed HTTP status and a stable wire code

// Package apierr is the error taxonomy shared by every protocol component.
//
// Callers branch on Kind (via KindOf) instead of inspecting concrete error
// types. The HTTP layer renders an Error as
//
//	{"error": {"code": "rate_limit_exceeded", "message": "...", "details": {...}}}
//
// and sets Retry-After when the error carries a retry hint.
package apierr
