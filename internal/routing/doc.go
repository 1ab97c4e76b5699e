// Package routing implements client-side stream-to-proxy routing.
//
// A RoutingService answers "which proxy do I send this stream's writes to".
// The answer is best effort: the authoritative truth lives with the proxies
// and the coordination service, and the client corrects its view from
// redirect hints.
//
// Two strategies are provided:
//
//   - LocalRoutingService: a plain table the caller seeds and that redirect
//     hints overwrite. Used for single-region deployments and controlled
//     tests.
//   - RegionsRoutingService: composes one local-region service with remote
//     region services in configured order. Resolution tries the local region
//     first; redirect hints are forwarded to the service owning the hint's
//     region, determined through the RegionResolver.
//
// Routing services never perform I/O; their side effects are confined to
// their own tables. Entries are overwritten, never merged, and there is no
// TTL expiry - only explicit invalidation.
package routing
