package domain

// StateKind identifies which CacheState variant is active.
type StateKind int

const (
	StateLoading StateKind = iota
	StateLoaded
	StateError
	StateOffline
	StateFallback
)

// String returns a human-readable representation of the state kind.
func (k StateKind) String() string {
	switch k {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	case StateOffline:
		return "offline"
	case StateFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// CacheState is the single renderable state of the content tile.
// Exactly one variant is populated at a time; construct values through
// the constructors below so the payload fields stay consistent with Kind.
type CacheState struct {
	Kind     StateKind
	Record   *ContentRecord  // Loaded, Offline
	Reason   string          // Error
	Fallback *FallbackResult // Fallback
}

// LoadingState is the initial state while a fetch is in flight.
func LoadingState() CacheState {
	return CacheState{Kind: StateLoading}
}

// LoadedState wraps a live record fetched or cached for today.
func LoadedState(rec ContentRecord) CacheState {
	return CacheState{Kind: StateLoaded, Record: &rec}
}

// ErrorState carries a human-readable reason the tile cannot render content.
func ErrorState(reason string) CacheState {
	return CacheState{Kind: StateError, Reason: reason}
}

// OfflineState wraps today's cached record shown while the network is down.
func OfflineState(rec ContentRecord) CacheState {
	return CacheState{Kind: StateOffline, Record: &rec}
}

// FallbackState wraps a resolver decision when today's record is unavailable.
func FallbackState(res FallbackResult) CacheState {
	return CacheState{Kind: StateFallback, Fallback: &res}
}

// FallbackType classifies why displayed content is not the live daily record.
type FallbackType int

const (
	FallbackPreviousDay FallbackType = iota
	FallbackContentHistory
	FallbackNone
	FallbackError
)

// String returns a human-readable representation of the fallback type.
func (t FallbackType) String() string {
	switch t {
	case FallbackPreviousDay:
		return "previous_day"
	case FallbackContentHistory:
		return "content_history"
	case FallbackNone:
		return "none"
	case FallbackError:
		return "error"
	default:
		return "unknown"
	}
}

// FallbackResult is the resolver's decision: what to show instead of
// today's record, and how to explain it to the user.
type FallbackResult struct {
	Type        FallbackType
	Content     *ContentRecord // nil for None and Error
	IsStale     bool
	UserMessage string
}
