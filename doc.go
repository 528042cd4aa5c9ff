// Package tenantsync keeps a tenant-scoped local replica of ticketing
// records in sync with the backend: one authenticated push channel
// delivers live change notifications, periodic and reconnect-triggered
// pulls repair any gaps, and optimistic local writes stay visible until
// the server confirms or a timeout retracts them.
package tenantsync
