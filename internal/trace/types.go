// Package trace holds the per-instruction events a trace engine reports
// while it walks a dispatch stub.
package trace

// Tag classifies an event. Tags are rendered with a # prefix.
type Tag string

const (
	Stack  Tag = "stack"
	Load   Tag = "load"
	Arith  Tag = "arith"
	Swap   Tag = "xchg"
	Branch Tag = "branch"
	Call   Tag = "call"
	Ret    Tag = "ret"
	VMExit Tag = "vm-exit"
)

// Tags is an ordered set of tags.
type Tags []Tag

func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns the tags with their # prefix.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is one step of a trace started at CallSite. Step counts from zero
// within that trace; the closing exit event carries the next index.
type Event struct {
	CallSite uint64
	PC       uint64
	Step     int
	Name     string // lower-case mnemonic, "exit" for the exit event
	Detail   string // Intel syntax, or the exit kind
	Tags     Tags
}

// NewStep returns the event for an instruction executed inside the VM.
func NewStep(callSite, pc uint64, step int, name, text string) *Event {
	return &Event{CallSite: callSite, PC: pc, Step: step, Name: name, Detail: text}
}

// NewExit returns the event for control leaving protected code at target.
func NewExit(callSite, target uint64, step int, kind string) *Event {
	return &Event{
		CallSite: callSite,
		PC:       target,
		Step:     step,
		Name:     "exit",
		Detail:   kind,
		Tags:     Tags{VMExit},
	}
}

func (e *Event) AddTag(tag Tag) { e.Tags.Add(tag) }

func (e *Event) IsExit() bool { return e.Tags.Has(VMExit) }

// Kind returns the exit kind, or "" for an instruction step.
func (e *Event) Kind() string {
	if !e.IsExit() {
		return ""
	}
	return e.Detail
}

// Classify tags an instruction step by its mnemonic. Exit events are left
// alone.
func Classify(e *Event) {
	if e.IsExit() {
		return
	}
	switch e.Name {
	case "push", "pop", "pushf", "popf", "pushfq", "popfq", "pushfd", "popfd":
		e.AddTag(Stack)
	case "mov", "movzx", "movsx", "movsxd", "lea":
		e.AddTag(Load)
	case "add", "sub", "xor", "and", "or", "not", "neg", "inc", "dec",
		"shl", "shr", "sar", "rol", "ror", "bswap":
		e.AddTag(Arith)
	case "xchg":
		e.AddTag(Swap)
	case "jmp":
		e.AddTag(Branch)
	case "call":
		e.AddTag(Call)
	case "ret":
		e.AddTag(Ret)
	}
}
