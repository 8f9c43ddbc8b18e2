// Package stream serves newly created content to remote subscribers as
// newline-delimited JSON over HTTP. Each subscriber has a durable offset
// in the state store, so reconnects resume where the last acknowledged
// frame left off; delivery is at least once and ordered by change id.
// Keep-alive frames ({}) keep idle connections from timing out.
package stream
