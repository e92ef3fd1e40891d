// Package mcp is a client for remote tool servers speaking the Model
// Context Protocol over streamable HTTP.
//
// Each configured server is initialized once at startup; its tools are
// listed and registered into the tool registry under their own names,
// so the model sees remote and local tools side by side. Calls are
// JSON-RPC 2.0 POSTs whose reply arrives either as a JSON body or as a
// server-sent event stream.
package mcp
