package lease

import (
	"context"
	"net/url"
)

// ResourceChecker decides whether a candidate's resource URL is usable.
// Checks are best-effort and advisory: a failing check skips the
// candidate, it never aborts selection. A proxy-backed implementation
// can probe reachability; the default only validates URL shape.
type ResourceChecker interface {
	Check(ctx context.Context, resource string) bool
}

// SchemeChecker accepts absolute http(s) URLs with a host.
type SchemeChecker struct{}

func (SchemeChecker) Check(_ context.Context, resource string) bool {
	u, err := url.Parse(resource)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
