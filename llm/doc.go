// Package llm presents a provider-agnostic interface to large language
// models. A Provider turns a conversation into the next assistant turn,
// possibly containing tool calls; the Client routes requests to registered
// providers and applies retry with exponential backoff for transient
// failures.
//
// The gollm-backed adapter covers the hosted providers (OpenAI, Anthropic,
// Gemini, Ollama); the echo provider runs without network for tests and
// offline use.
package llm
