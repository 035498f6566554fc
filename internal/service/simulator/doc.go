// Package simulator serves an in-memory subset of the Direct Line v3 API with
// a built-in echo bot.
//
// It covers the calls the chat client makes: tokens/generate, tokens/refresh,
// POST /conversations and GET/POST on conversation activities. Tokens are
// HS256 JWTs carrying the conversation id in a "conv" claim; watermarks are
// the decimal count of activities already delivered.
//
// The simulator backs cmd/directline-mock for local development and the
// integration tests of the chat service.
package simulator
