// Package discovery builds and serves the public discovery document.
//
// Build is a pure function of the resolved configuration. Provider renders
// the document once, validates it against the document schema, and serves it
// with caching headers at /.well-known/agentgate.json.
package discovery
