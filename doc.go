/*
Package moltgate provides a Caddy HTTP handler (`moltgate`) that fronts a
long-lived gateway process.

The gateway is started on the first request that needs it. Concurrent
requests arriving while it starts share one start attempt, so at most one
gateway process is ever alive. Once the gateway answers on its endpoint,
HTTP requests and WebSocket upgrades are proxied to it. Until the gateway is
configured, requests are redirected to a password protected setup surface
under /setup. /healthz always answers locally.
*/
package moltgate
