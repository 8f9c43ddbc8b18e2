// Package metrics exposes the coordinator's Prometheus collectors. All
// metrics register at init and are served from the API's /metrics route.
package metrics
