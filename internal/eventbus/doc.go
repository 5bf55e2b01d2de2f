// Package eventbus provides an in-process publish/subscribe bus keyed by event
// name, plus futures that bridge a one-shot subscription into a value that can
// be waited on: the next occurrence of an event, the next occurrence bounded
// by a timeout, or the first of a success and a failure event.
package eventbus
