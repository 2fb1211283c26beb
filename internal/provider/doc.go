// Package provider is the delivery gateway. It renders an outbound message
// to MIME once and hands it to the single transport configured for the
// deployment (Amazon SES v2 or direct SMTP).
//
// The gateway performs no retries. Every failure comes back as a
// *DeliveryError and the caller decides what to do with it.
package provider
