// Package mcp exposes the prototype pipeline as MCP tools over stdio.
//
// Tools call the pipeline engine directly. Stage ordering, branch naming and
// side effects are enforced by the engine, so a tool error carries the same
// message an HTTP client would see.
package mcp
