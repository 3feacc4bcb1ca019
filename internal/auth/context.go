package auth

import "context"

type contextKey struct{}

// Actor identifies who triggered an administrative license operation.
type Actor struct {
	// Source is "admin_token" for the HTTP admin API and "cli" for licensectl.
	Source   string
	RemoteIP string
}

const (
	SourceAdminToken = "admin_token"
	SourceCLI        = "cli"
)

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}

// IsAdmin reports whether the request was authenticated as an administrator.
func IsAdmin(ctx context.Context) bool {
	a, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return a.Source == SourceAdminToken || a.Source == SourceCLI
}

// Source returns the actor source, or "anonymous" when none is set.
func Source(ctx context.Context) string {
	a, ok := FromContext(ctx)
	if !ok {
		return "anonymous"
	}
	return a.Source
}
