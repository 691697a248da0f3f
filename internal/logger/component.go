package logger

// Component is a grouping of log messages by driver subsystem. It lets a
// consumer enable verbose logging for, say, cursor/change-stream activity
// without drowning in server-selection chatter.
type Component int

// These constants enumerate the components that can be logged independently.
const (
	// CommandComponent is the component for command monitoring (the
	// aggregate/getMore/killCursors round trips issued by the cursor engine).
	CommandComponent Component = iota

	// TopologyComponent is the component for server-selection and topology
	// state changes, including the resume wait loop's "still disconnected"
	// polling.
	TopologyComponent

	// ServerSelectionComponent is the component for the server-selection
	// algorithm specifically (distinct from topology description changes).
	ServerSelectionComponent

	// ConnectionComponent is the component for individual connection
	// lifecycle events.
	ConnectionComponent

	// ChangeStreamComponent is the component for change-stream specific
	// events: resume attempts, resume-token updates, mode transitions.
	ChangeStreamComponent
)

// ComponentMessage is implemented by every structured log message. Serialize
// returns alternating key/value pairs suitable for a LogSink; Message returns
// the human-readable summary line.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize() []interface{}
}

// CommandMessageDropped is logged in place of a message that could not be
// queued because the logger's job buffer was full.
type CommandMessageDropped struct {
	Name string
}

// Component implements the ComponentMessage interface.
func (CommandMessageDropped) Component() Component { return CommandComponent }

// Message implements the ComponentMessage interface.
func (m CommandMessageDropped) Message() string { return "Command message dropped" }

// Serialize implements the ComponentMessage interface.
func (m CommandMessageDropped) Serialize() []interface{} {
	return []interface{}{"name", m.Name}
}

// ResumeMessage is logged by the change-stream engine each time it attempts,
// succeeds at, or abandons a resume.
type ResumeMessage struct {
	Outcome string // "attempting", "succeeded", "abandoned"
	Reason  string
}

// Component implements the ComponentMessage interface.
func (ResumeMessage) Component() Component { return ChangeStreamComponent }

// Message implements the ComponentMessage interface.
func (m ResumeMessage) Message() string { return "Change stream resume " + m.Outcome }

// Serialize implements the ComponentMessage interface.
func (m ResumeMessage) Serialize() []interface{} {
	if m.Reason == "" {
		return nil
	}
	return []interface{}{"reason", m.Reason}
}

// CommandMessage is logged around every command/getMore/killCursors round
// trip issued by a server handle.
type CommandMessage struct {
	Name      string
	Namespace string
	Outcome   string // "started", "succeeded", "failed", "canceled"
	Reason    string
}

// Component implements the ComponentMessage interface.
func (CommandMessage) Component() Component { return CommandComponent }

// Message implements the ComponentMessage interface.
func (m CommandMessage) Message() string { return m.Name + " " + m.Outcome }

// Serialize implements the ComponentMessage interface.
func (m CommandMessage) Serialize() []interface{} {
	kv := []interface{}{"namespace", m.Namespace}
	if m.Reason != "" {
		kv = append(kv, "reason", m.Reason)
	}
	return kv
}

type componentEnvVar string

const (
	componentEnvVarAll              componentEnvVar = "MONGODB_LOG_ALL"
	componentEnvVarCommand          componentEnvVar = "MONGODB_LOG_COMMAND"
	componentEnvVarTopology         componentEnvVar = "MONGODB_LOG_TOPOLOGY"
	componentEnvVarServerSelection  componentEnvVar = "MONGODB_LOG_SERVER_SELECTION"
	componentEnvVarConnection       componentEnvVar = "MONGODB_LOG_CONNECTION"
	componentEnvVarChangeStream     componentEnvVar = "MONGODB_LOG_CHANGE_STREAM"
)

var allComponentEnvVars = []componentEnvVar{
	componentEnvVarAll,
	componentEnvVarCommand,
	componentEnvVarTopology,
	componentEnvVarServerSelection,
	componentEnvVarConnection,
	componentEnvVarChangeStream,
}

func (e componentEnvVar) component() Component {
	switch e {
	case componentEnvVarCommand:
		return CommandComponent
	case componentEnvVarTopology:
		return TopologyComponent
	case componentEnvVarServerSelection:
		return ServerSelectionComponent
	case componentEnvVarConnection:
		return ConnectionComponent
	case componentEnvVarChangeStream:
		return ChangeStreamComponent
	default:
		return CommandComponent
	}
}
