// Package cask holds constants shared across the object storage gateway.
package cask

import "strings"

const (
	// ComponentKey is the name of a component field in structured logs.
	ComponentKey = "component"

	// ComponentSigV4 is the AWS Signature V4 verifier.
	ComponentSigV4 = "sigv4"

	// ComponentDatabase is the transactional metadata gateway.
	ComponentDatabase = "database"

	// ComponentBlob is the blob store adapter.
	ComponentBlob = "blob"

	// ComponentObjects is the object lifecycle coordinator.
	ComponentObjects = "objects"

	// ComponentMultipart is the S3 multipart upload state machine.
	ComponentMultipart = "multipart"

	// ComponentWebhook is the lifecycle event dispatcher.
	ComponentWebhook = "webhook"

	// ComponentBroker is the pub/sub broker.
	ComponentBroker = "broker"

	// ComponentTUSLock is the cross-node resumable upload lock.
	ComponentTUSLock = "tuslock"

	// ComponentTenant is the tenant configuration cache layer.
	ComponentTenant = "tenant"

	// ComponentS3API is the S3 protocol surface.
	ComponentS3API = "s3api"

	// ComponentIceberg is the Iceberg tenant catalog.
	ComponentIceberg = "iceberg"

	// ComponentDuckLake is the DuckLake manifest generator.
	ComponentDuckLake = "ducklake"
)

// Component generates a colon-separated component name for logging, for
// example Component("s3api", "multipart") returns "s3api:multipart".
func Component(components ...string) string {
	return strings.Join(components, ":")
}
