// Package server hosts the Fiber HTTP front end: the recipe page, the JSON
// listing, and the request middleware chain (recover, request IDs). Agent
// diagnostics live in the routes subpackage so the core app stays free of
// intercept internals. Keep exports narrow and accept explicit dependencies.
package server
