package wiki

// Caller identifies the originator of a single call. It is a plain value
// passed per call, never ambient state. An empty Name means the caller is
// unauthenticated.
type Caller struct {
	Name   string
	Groups []string
	IP     string
}

// Authenticated reports whether the caller presented an identity.
func (c Caller) Authenticated() bool {
	return c.Name != ""
}
