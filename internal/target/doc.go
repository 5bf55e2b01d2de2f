// Package target maps job kinds received from the broker to the page that
// is rendered for them, validating each job's payload and building the
// browser parameters (URL, screenshot selector, optional HTML snapshot).
package target
