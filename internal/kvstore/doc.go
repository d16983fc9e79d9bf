// Package kvstore provides the durable string key/value store that holds the
// aggregated recipe list. Backends: a JSON file under StoragePath (default),
// Redis and DynamoDB. Every Set is a full replace of a single key.
package kvstore
