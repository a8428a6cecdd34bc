// Package trust classifies client addresses for the implicit local-auth
// path and resolves real client IPs behind trusted proxies.
package trust
