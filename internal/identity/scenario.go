package identity

// SessionState is what the device session tells us at sign-in time.
type SessionState int

const (
	SessionNone SessionState = iota
	SessionAnonymous
	SessionIdentified
)

func (s SessionState) String() string {
	switch s {
	case SessionNone:
		return "none"
	case SessionAnonymous:
		return "anonymous"
	case SessionIdentified:
		return "identified"
	default:
		return "unknown"
	}
}

// Observation is the full input of the scenario matrix.
type Observation struct {
	Session SessionState
	// SessionOwnsEmail is true when the session's user already has the
	// signing-in email. Only meaningful for SessionIdentified.
	SessionOwnsEmail bool
	// EmailOwned is true when some user already has the email.
	EmailOwned bool
}

// Action is what a sign-in does to users and device sessions.
type Action int

const (
	ActionCreateUser Action = iota + 1
	ActionLinkExisting
	ActionPromoteAnonymous
	ActionMergeIntoOwner
	ActionHandOff
	ActionCreateAndRepoint
	ActionAlreadyLinked
)

func (a Action) String() string {
	switch a {
	case ActionCreateUser:
		return "create_user"
	case ActionLinkExisting:
		return "link_existing"
	case ActionPromoteAnonymous:
		return "promote_anonymous"
	case ActionMergeIntoOwner:
		return "merge_into_owner"
	case ActionHandOff:
		return "hand_off"
	case ActionCreateAndRepoint:
		return "create_and_repoint"
	case ActionAlreadyLinked:
		return "already_linked"
	default:
		return "unknown"
	}
}

// Classify maps an observation to its action. An existing device session
// always wins over creating a fresh user, so a device is never duplicated.
func Classify(o Observation) Action {
	switch o.Session {
	case SessionAnonymous:
		if o.EmailOwned {
			return ActionMergeIntoOwner
		}
		return ActionPromoteAnonymous
	case SessionIdentified:
		switch {
		case o.SessionOwnsEmail:
			return ActionAlreadyLinked
		case o.EmailOwned:
			return ActionHandOff
		default:
			return ActionCreateAndRepoint
		}
	default:
		if o.EmailOwned {
			return ActionLinkExisting
		}
		return ActionCreateUser
	}
}

// Outcome is the {isNewUser, wasMerged} pair reported to the client.
func (a Action) Outcome() (isNewUser, wasMerged bool) {
	switch a {
	case ActionCreateUser, ActionPromoteAnonymous, ActionCreateAndRepoint:
		return true, false
	case ActionMergeIntoOwner:
		return false, true
	default:
		return false, false
	}
}

// AttributesReferral is true only when the sign-in creates a user with no
// prior device identity or promotes an anonymous user in place. Repointing an
// identified device to a fresh user and merges never attribute.
func (a Action) AttributesReferral() bool {
	switch a {
	case ActionCreateUser, ActionPromoteAnonymous:
		return true
	default:
		return false
	}
}
