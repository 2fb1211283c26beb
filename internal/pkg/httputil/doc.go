// Package httputil holds the JSON response and request helpers shared by the
// API, tracking and callback handlers, so every endpoint answers with the
// same error envelope.
package httputil
