package session

import "github.com/sakif/duo-routine/internal/gateway"

// Phase is where the reconciler believes the identity lifecycle stands.
//
//	Unknown ──initialize──▶ Authenticating ──▶ Authenticated | Unauthenticated
//	Authenticated ──token refreshed──▶ TokenRefreshing ──▶ Authenticated | Unauthenticated
//	any ──signed out──▶ Unauthenticated
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
	PhaseUnauthenticated
	PhaseTokenRefreshing
)

func (p Phase) String() string {
	switch p {
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseTokenRefreshing:
		return "token_refreshing"
	}
	return "unknown"
}

type action int

const (
	actNone action = iota
	actRefetch
	actClear
)

// decide maps an identity event onto the next phase and the work it needs.
// Only transitions that can change what we know trigger a fetch:
//   - SignedOut always clears, and nothing but SignedIn restarts fetching.
//   - TokenRefreshed refetches, since the identity's attributes may have
//     changed, unless we are signed out.
//   - SignedIn refetches only when no user is loaded yet. Right after
//     initialize has loaded one it would be a duplicate.
//   - InitialSession is ignored: initialize already covers that session.
func decide(p Phase, hasUser bool, kind gateway.EventKind) (Phase, action) {
	switch kind {
	case gateway.SignedOut:
		return PhaseUnauthenticated, actClear
	case gateway.TokenRefreshed:
		if p == PhaseUnauthenticated || p == PhaseUnknown {
			return p, actNone
		}
		return PhaseTokenRefreshing, actRefetch
	case gateway.SignedIn:
		if hasUser {
			return p, actNone
		}
		return PhaseAuthenticating, actRefetch
	}
	return p, actNone
}
