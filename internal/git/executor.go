package git

// DefaultRemoteName names the remote pointing at the hosted project when no
// detection.git_remote_name is configured.
const DefaultRemoteName = "platform"

// PushOptions are the transport flags passed through to git push.
type PushOptions struct {
	Force          bool
	ForceWithLease bool
	SetUpstream    bool
}

// PushArgs assembles the arguments of a push of source to the branch target on
// remote. Flags are appended only when set.
func PushArgs(remote, source, target string, opts PushOptions) []string {
	args := []string{remote, Refspec(source, target)}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.ForceWithLease {
		args = append(args, "--force-with-lease")
	}
	if opts.SetUpstream {
		args = append(args, "--set-upstream")
	}
	return args
}

// Refspec returns the refspec pushing source to the remote branch target.
func Refspec(source, target string) string {
	return source + ":refs/heads/" + target
}
