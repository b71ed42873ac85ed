package prompts

import "fmt"

const expertTemplate = `You are a helpful assistant that answers questions ONLY about fragrance and perfume.
Answer concisely and accurately. If the question is outside that domain, say so briefly.

Here is the user question:
%s`

// ExpertPrompt returns the system prompt used when the concierge asks
// for background knowledge it does not have.
func ExpertPrompt(question string) string {
	return fmt.Sprintf(expertTemplate, question)
}
