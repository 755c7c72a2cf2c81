// Package server implements an MCP server over stdin/stdout that exposes
// OpenAI text completion and image generation as tools.
//
// Messages are line-delimited JSON-RPC 2.0. Requests are handled in the
// order they arrive except tools/call, which runs in its own goroutine so
// that a long-running generation can be cancelled by a later
// notifications/cancelled message and so progress notifications can be
// interleaved with other traffic.
package server
