// Package transport abstracts message delivery to agents. The bus only
// depends on the Transport contract; adapters exist for in-process agents
// and remote agents behind a websocket. A Registry maps agent ids to
// transports and fans connection and inbound-message events out to
// listeners.
package transport
