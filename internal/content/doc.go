// Package content holds the transforms applied to outgoing messages:
// {{token}} personalization, the open-tracking pixel, click-link rewriting,
// and signed unsubscribe links.
//
// Every transform is a pure function of its input. Pixel injection and link
// rewriting recognise their own output, so running them twice over the same
// HTML changes nothing the second time.
package content
