// Package session keeps a Redis record of every WebSocket connection open on a
// relay instance, so operators can see live connections across instances.
// Records expire on their own if an instance dies without cleaning up.
package session
