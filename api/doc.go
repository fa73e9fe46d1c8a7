// Package api provides OpenAPI/Swagger documentation for the ImageFlow API.
//
// The HTTP handlers live in api/handlers; this package only anchors the
// generated OpenAPI document.
//
// # API Overview
//
// ImageFlow provides a RESTful API for:
//   - Image generation with OpenAI, Gemini and Flux
//   - Image edits saved as a new attachment, in place, or into a review buffer
//   - Buffer commit and discard
//   - Model listing and cache invalidation
//   - Attachment history and provenance metadata
//   - Provider credential settings (admin)
//   - Health monitoring and metrics
//
// # Authentication
//
// Most endpoints require either an API key:
//
//	X-API-Key: your-api-key
//
// or, when auth.jwt is configured, a bearer token whose user_id (or sub)
// and roles claims identify the caller:
//
//	Authorization: Bearer <token>
//
// # Errors
//
// Failures use a stable envelope; error.code is one of invalid-input,
// not-connected, provider-timeout, rate-limited, model-unsupported,
// provider-error, malformed-response, storage-error, not-found, forbidden,
// unauthenticated or internal-error.
//
// # Generating Documentation
//
//	swag init -g cmd/imageflow/main.go -o api --parseDependency --parseInternal
package api
