// Package render drives headless Chrome through the DevTools protocol.
//
// A Browser owns one Chrome process. Each Tab is a long-lived page that is
// reused across renders; tabs are the handles of the render pool, so at most
// one render runs in a tab at a time. Service ties the two together and is
// what the engine calls.
package render
