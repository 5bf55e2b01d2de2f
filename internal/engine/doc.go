// Package engine turns broker messages into finished renders. For every job
// it resolves the target, records the render, waits for a browser tab to
// render the page, uploads the image and publishes the outcome on its event
// bus, where the HTTP event stream picks it up.
package engine
