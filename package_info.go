// Package ttclient is the main package for the ToggleTree server-side Go SDK.
//
// Applications should create a single *TTClient per process with MakeClient or
// MakeCustomClient and share it across goroutines; the client is safe for
// concurrent use. Flag evaluations read from a local in-memory copy of the
// flag data that is kept in sync with the ToggleTree service by a streaming
// (or, optionally, polling) connection, and analytics events describing those
// evaluations are delivered back to the service in the background.
//
// Alternative feature store backends live in the redis, consul, and dynamodb
// subpackages; the filedata subpackage provides a file-based data source for
// testing and air-gapped deployments.
package ttclient
