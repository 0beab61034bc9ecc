// Package dispatch fans a batch of prompts out to one concurrent provider call
// per prompt and reassembles the answers in input order. A batch either yields
// every answer or a single error; partial results are never returned.
package dispatch
