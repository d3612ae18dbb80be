// Package protocol defines the messages exchanged between cigen and provider
// plugins, their binary body encoding, and the length-prefixed framing used on
// the plugin's stdin/stdout.
package protocol

import "fmt"

const (
	// ProtocolVersion is the only protocol version this build speaks.
	// Plugins must report exactly this value in their Identity reply.
	ProtocolVersion uint32 = 1

	// MaxMessageSize caps the encoded body of a single frame (10 MiB).
	MaxMessageSize = 10 * 1024 * 1024
)

// Kind identifies a message type. The value doubles as the envelope field
// number on the wire.
type Kind int

const (
	KindHello Kind = iota + 1
	KindIdentity
	KindPlanRequest
	KindPlanResult
	KindGenerateRequest
	KindGenerateResult
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindIdentity:
		return "identity"
	case KindPlanRequest:
		return "plan_request"
	case KindPlanResult:
		return "plan_result"
	case KindGenerateRequest:
		return "generate_request"
	case KindGenerateResult:
		return "generate_result"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one of the closed set of protocol messages.
type Message interface {
	Kind() Kind
	appendBody(b []byte) ([]byte, error)
	decodeBody(b []byte) error
}

// Hello is the core's greeting, always the first message of a session.
type Hello struct {
	ProtocolVersion uint32
	CoreVersion     string
	Env             map[string]string
}

// Identity is the plugin's reply to Hello.
type Identity struct {
	Name          string
	Version       string
	Protocol      uint32
	Capabilities  []string
	Requires      []string
	ConflictsWith []string
	Metadata      map[string]any
}

// Job is one concrete (matrix-resolved) job instance as seen by a plugin.
type Job struct {
	JobID      string
	InstanceID string
	Matrix     map[string]string
	// Needs lists the instance IDs this instance depends on.
	Needs      []string
	Definition map[string]any
}

// PlanRequest asks a plugin which files it intends to produce.
type PlanRequest struct {
	RunID       string
	Provider    string
	Jobs        []Job
	Fingerprint string
	Settings    map[string]any
}

// PlannedFile is a file a plugin announced during planning.
type PlannedFile struct {
	Path     string
	Strategy Strategy
}

// PlanResult is the plugin's answer to a PlanRequest.
type PlanResult struct {
	Files       []PlannedFile
	Diagnostics []Diagnostic
}

// GenerateRequest asks a plugin to render its fragments.
type GenerateRequest struct {
	RunID       string
	Provider    string
	Jobs        []Job
	Fingerprint string
	Settings    map[string]any
	Planned     []PlannedFile
}

// GenerateResult carries rendered fragments and diagnostics.
type GenerateResult struct {
	Fragments   []Fragment
	Diagnostics []Diagnostic
}

// Strategy controls how fragments targeting the same path are combined.
type Strategy uint32

const (
	StrategyReplace Strategy = iota
	StrategyAppend
	StrategyStructuralMerge
)

func (s Strategy) String() string {
	switch s {
	case StrategyReplace:
		return "replace"
	case StrategyAppend:
		return "append"
	case StrategyStructuralMerge:
		return "structural-merge"
	default:
		return fmt.Sprintf("strategy(%d)", uint32(s))
	}
}

// ParseStrategy parses a strategy name. The empty string means replace.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "replace":
		return StrategyReplace, nil
	case "append":
		return StrategyAppend, nil
	case "structural-merge", "merge":
		return StrategyStructuralMerge, nil
	default:
		return 0, fmt.Errorf("unknown merge strategy %q", name)
	}
}

// Fragment is a piece of content destined for one output file.
type Fragment struct {
	Path     string
	Content  []byte
	Strategy Strategy
}

// Level is a diagnostic severity.
type Level uint32

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}

// Location points at the configuration source a diagnostic refers to.
type Location struct {
	File   string
	Line   uint32
	Column uint32
}

func (l Location) String() string {
	switch {
	case l.Line == 0:
		return l.File
	case l.Column == 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	default:
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
}

// Diagnostic is a structured message reported by a plugin. Diagnostics are
// data, not protocol failures: a plugin can report an error-level diagnostic
// and still complete the exchange.
type Diagnostic struct {
	Level    Level
	Code     string
	Title    string
	Message  string
	Fix      string
	Location *Location
}

func (*Hello) Kind() Kind           { return KindHello }
func (*Identity) Kind() Kind        { return KindIdentity }
func (*PlanRequest) Kind() Kind     { return KindPlanRequest }
func (*PlanResult) Kind() Kind      { return KindPlanResult }
func (*GenerateRequest) Kind() Kind { return KindGenerateRequest }
func (*GenerateResult) Kind() Kind  { return KindGenerateResult }

// HasErrors reports whether any diagnostic is error-level.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Level == LevelError {
			return true
		}
	}
	return false
}

func newMessage(k Kind) (Message, bool) {
	switch k {
	case KindHello:
		return &Hello{}, true
	case KindIdentity:
		return &Identity{}, true
	case KindPlanRequest:
		return &PlanRequest{}, true
	case KindPlanResult:
		return &PlanResult{}, true
	case KindGenerateRequest:
		return &GenerateRequest{}, true
	case KindGenerateResult:
		return &GenerateResult{}, true
	default:
		return nil, false
	}
}
