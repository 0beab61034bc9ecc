// Package config loads the llmblast runtime configuration from a YAML file,
// an optional dotenv file and LLMBLAST_* environment overrides, and resolves
// provider credentials into llm.Provider descriptors.
package config
