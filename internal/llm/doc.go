// Package llm contains the single-request path to remote large language model
// providers: the provider descriptor, the process-wide HTTP transport and the
// caller that builds provider-specific payloads and extracts generated text.
package llm
