package credstore

// Kind identifies one credential or piece of flow state.
type Kind string

const (
	AccessToken    Kind = "accessToken"
	RefreshToken   Kind = "refreshToken"
	IDToken        Kind = "idToken"
	PKCEVerifier   Kind = "pkce"
	OAuthState     Kind = "state"
	UserID         Kind = "userId"
	CSRFToken      Kind = "csrf"
	PendingRequest Kind = "pendingRequest"
	ReturnTo       Kind = "previousPage"
)

// TokenKinds are the kinds making up a credential bundle.
var TokenKinds = []Kind{AccessToken, RefreshToken, IDToken}

// Scope selects the storage tier a kind lives in.
type Scope int

const (
	// ScopeSession lives as long as the page session (or CLI session file).
	ScopeSession Scope = iota
	// ScopeDurable survives session end.
	ScopeDurable
)

// Prefix returns the key namespace for the scope.
func (s Scope) Prefix() string {
	if s == ScopeDurable {
		return "local_"
	}
	return "session_"
}

func (s Scope) String() string {
	if s == ScopeDurable {
		return "durable"
	}
	return "session"
}

// Tiering maps kinds to scopes. Kinds not listed use ScopeSession.
type Tiering map[Kind]Scope

// DefaultTiering keeps every credential in the session tier and only the
// user id in the durable tier.
func DefaultTiering() Tiering {
	return Tiering{UserID: ScopeDurable}
}

// ScopeOf returns the scope configured for kind.
func (t Tiering) ScopeOf(kind Kind) Scope {
	if s, ok := t[kind]; ok {
		return s
	}
	return ScopeSession
}

// Key returns the namespaced storage key for kind in scope.
func Key(scope Scope, kind Kind) string {
	return scope.Prefix() + string(kind)
}
