// Package api serves the coordinator's HTTP surface: the control API for
// namespaces, graphs, content and tasks, the executor gateway routes, the
// content stream, Prometheus metrics and cluster membership. Command
// rejections map to 409, missing records to 404.
package api
