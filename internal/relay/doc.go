// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay connects browser websocket clients to the completion API.
//
// Each connection receives the full transcript on connect, then sends
// "message" and "clear" events. Events from one connection are handled one
// at a time, in order; separate connections run concurrently and share the
// history store.
//
// A message event appends the user turn, builds the upstream request from
// the system prompt and the most recent transcript window, and calls the
// completion client. Success appends the assistant turn and emits
// "response". Failure removes the user turn and emits "error". Nothing that
// goes wrong while handling an event closes the connection.
//
// # Wire protocol
//
// Client to server:
//
//	{"type":"message","content":"...","files":[...],"model":"..."}
//	{"type":"clear"}
//
// Server to client:
//
//	{"type":"history","messages":[...]}
//	{"type":"response","content":"..."}
//	{"type":"warning","content":"...","timestamp":"..."}
//	{"type":"error","content":"...","timestamp":"..."}
//	{"type":"clear"}
package relay
