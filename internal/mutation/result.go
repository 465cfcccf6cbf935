package mutation

// Kind names the mutation a Result describes
type Kind string

const (
	KindReactionAdd    Kind = "reaction-add"
	KindReactionRemove Kind = "reaction-remove"
	KindCommentAdd     Kind = "comment-add"
)

// State is a mutation's position in Idle -> Speculative -> Confirmed | RolledBack.
type State string

const (
	// StateIdle means nothing was applied; Result.Err says why.
	StateIdle        State = "idle"
	StateSpeculative State = "speculative"
	StateConfirmed   State = "confirmed"
	StateRolledBack  State = "rolled-back"
)

// Result is the final state of one mutation. ID is the server-assigned id
// once confirmed, or the placeholder id of a rolled-back entity.
type Result struct {
	Kind  Kind
	State State
	ID    string
	Err   error
}

// Applied reports whether the mutation reached the remote store.
func (r Result) Applied() bool {
	return r.State == StateConfirmed
}
