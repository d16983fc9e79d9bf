// Package cache implements the named request/response cache used by the
// interception agent. Buckets live under StoragePath/caches/<name>; each entry
// is a response snapshot keyed by request identity (method + URL, refined by
// the stored response's Vary headers) and is written with temp file + rename
// so readers never observe a half-written body. Entries are never evicted.
package cache
