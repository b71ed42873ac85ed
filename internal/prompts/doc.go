// Package prompts contains the LLM prompt templates used by sillage.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates are interpolated with fmt.Sprintf and checked by tests.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
