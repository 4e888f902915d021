package rewrite

// Config captures the runtime controls the engines need.
type Config struct {
	// Remote is consulted for published commits and the protected default branch.
	Remote string
	// ProtectDefaultBranch refuses rewrites on the remote's default branch.
	ProtectDefaultBranch bool
	// DefaultBranch overrides the default branch recorded in refs/remotes/<remote>/HEAD.
	DefaultBranch string
}

func (c Config) remote() string {
	if c.Remote == "" {
		return "origin"
	}
	return c.Remote
}
