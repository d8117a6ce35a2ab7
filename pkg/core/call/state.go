// Package call defines the per-call state machine: the states a live phone
// conversation moves through and the events that drive it between them.
package call

import "time"

// State is the lifecycle position of a single call.
type State int

const (
	// StateInit is the initial state while legs are still connecting.
	StateInit State = iota
	// StateWelcome is the greeting phase right after both legs open.
	StateWelcome
	// StateListening is when the human side holds the floor.
	StateListening
	// StateProcessing is the gap between end of human speech and the first
	// AI audio chunk.
	StateProcessing
	// StateResponding is when AI audio is streaming to the human.
	StateResponding
	// StateInterrupted is the barge-in window while playback is flushed.
	StateInterrupted
	// StateTransfer is the handoff to a human agent.
	StateTransfer
	// StateEnding is teardown: legs closing, duration being finalized.
	StateEnding
	// StateEnded is terminal.
	StateEnded
)

// String returns the canonical state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWelcome:
		return "WELCOME"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING_REQUEST"
	case StateResponding:
		return "RESPONDING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateTransfer:
		return "TRANSFER"
	case StateEnding:
		return "CALL_ENDING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further events can apply.
func (s State) Terminal() bool {
	return s == StateEnded
}

// EventType identifies what happened on the call.
type EventType int

const (
	// EventLegsOpen fires once both the telephony and AI legs are live.
	EventLegsOpen EventType = iota
	// EventGreetingDone fires when the opening utterance finishes playing.
	EventGreetingDone
	// EventHumanSpeechEnd commits the human turn.
	EventHumanSpeechEnd
	// EventAIFirstChunk marks the first AI audio of the current turn.
	EventAIFirstChunk
	// EventAITimeout fires when the AI stays silent past the turn ceiling.
	EventAITimeout
	// EventAITurnComplete marks the end of the AI utterance.
	EventAITurnComplete
	// EventInterrupt is a barge-in: human speech or an explicit client stop.
	EventInterrupt
	// EventInterruptCleared fires once playback has been flushed.
	EventInterruptCleared
	// EventTransferRequested hands the call to a human agent.
	EventTransferRequested
	// EventHangupRequested starts teardown. Socket errors map here.
	EventHangupRequested
	// EventCleanupDone fires when teardown has finished.
	EventCleanupDone
)

// String returns the canonical event name.
func (e EventType) String() string {
	switch e {
	case EventLegsOpen:
		return "LEGS_OPEN"
	case EventGreetingDone:
		return "GREETING_DONE"
	case EventHumanSpeechEnd:
		return "HUMAN_SPEECH_END"
	case EventAIFirstChunk:
		return "AI_FIRST_CHUNK"
	case EventAITimeout:
		return "AI_TIMEOUT"
	case EventAITurnComplete:
		return "AI_TURN_COMPLETE"
	case EventInterrupt:
		return "INTERRUPT"
	case EventInterruptCleared:
		return "INTERRUPT_CLEARED"
	case EventTransferRequested:
		return "TRANSFER_REQUESTED"
	case EventHangupRequested:
		return "HANGUP_REQUESTED"
	case EventCleanupDone:
		return "CLEANUP_DONE"
	default:
		return "UNKNOWN"
	}
}

// Event is one occurrence applied to the machine. At is the observed time of
// the underlying activity, not the processing time; duration accounting
// depends on that distinction.
type Event struct {
	Type  EventType
	At    time.Time
	Cause string
}
