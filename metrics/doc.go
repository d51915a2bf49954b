// Package metrics defines the Prometheus collectors of the service.
//
// Collectors are registered on the default registry at init and exposed by
// the api package on /metrics.
package metrics
