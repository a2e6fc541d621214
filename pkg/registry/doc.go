// Package registry manages the tools exposed on orchestrator RPC
// surfaces. Each tool carries a name, a description, a JSON-Schema
// subset describing its input, and a handler. Invocation validates the
// input against the schema before dispatching.
package registry
