package orchestrator

const (
	transportFailureReply = "Sorry, I'm having trouble reaching the assistant service right now. Please try again in a moment."
	roundCapReply         = "Sorry, I couldn't finish working on that request. Please try rephrasing it."
	emptyModelReply       = "Sorry, I don't have an answer for that. Could you rephrase it?"
	genericFailureReply   = "Sorry, something went wrong while handling that. Please try again."

	waitingForConfirmation = "not executed: waiting for confirmation of an earlier action in this round"
	writeAlreadyPending    = "not executed: another action is already waiting for the user's confirmation; ask them to answer it first"
)
