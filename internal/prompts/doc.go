// Package prompts contains the LLM prompt templates Skald uses
// internally. Prompt text is Go code rather than config files because
// it is program logic: templates use fmt.Sprintf interpolation, are
// embedded at compile time, and can be validated by tests.
package prompts
