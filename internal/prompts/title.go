package prompts

// TitleInstruction asks for a short topic line for a new thread.
const TitleInstruction = "Create a topic for the user input in at most 6 words. Reply with the topic only."
