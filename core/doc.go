// Package core contains the canonical sync domain: entities, connector and
// store contracts, the connector registry, and shared error envelopes.
// Lower-level adapters depend on this package; core must not depend on
// connector-specific or transport-specific code.
package core
