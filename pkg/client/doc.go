// Package client wraps the rookery HTTP API in a typed Go interface.
//
// Error responses are rehydrated into the same kinded errors the server
// raised, so errdefs.IsNotFound and friends work on both sides of the
// wire. The CLI is the primary consumer; embedding programs can use it
// to drive a remote node.
package client
