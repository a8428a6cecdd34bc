// Package auth verifies operator credentials.
//
// Two mechanisms are supported: HS256 JWTs issued out of band, and SSH
// signatures over a timestamp|nonce challenge presented in HTTP headers
// on the WebSocket upgrade. SSH verification keeps a nonce cache so a
// captured signature cannot be replayed within its validity window.
package auth
