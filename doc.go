// Package recmover moves call-recording audio from a source object store to a
// destination object store and keeps a tamper-evident audit trail of every
// attempt.
//
// Each queue message names one recording. The processor resolves per-country
// database routing from a cached secret, joins the call-detail and recording
// tables into a transfer locator, loads the active source-store credential
// document, resolves the tenant's encryption key mapping, downloads the blob
// (transparently unwrapping and decrypting client-side encrypted content),
// uploads it under a deterministic date-partitioned key with the tenant key
// attached, and proves integrity by re-downloading the object and comparing
// MD5 digests end to end. Only after the new location is durably persisted is
// the source object deleted, and every terminal outcome, success or error, is
// recorded through a transactional move-and-finalize audit step.
//
// Messages are independent and processed sequentially; the queue's redelivery
// is the only retry mechanism. The two process-wide caches (connection
// strings, key mappings) load lazily, cache only successes, and survive for
// the process lifetime.
package recmover
