// Package ssh builds the remote-shell command git uses as its transport.
package ssh

import (
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// SendEnvOption is the ssh option that allow-lists environment variables
// forwarded to the remote session.
const SendEnvOption = "SendEnv"

// Builder constructs ssh command lines.
type Builder struct {
	// Binary is the ssh executable. Defaults to "ssh".
	Binary string

	// Options are extra ssh options in Key=Value form, passed with -o.
	Options []string

	// IdentityFile, when set, restricts authentication to this key.
	IdentityFile string
}

func (b Builder) binary() string {
	if b.Binary == "" {
		return "ssh"
	}
	return b.Binary
}

// WithIdentityFile returns a copy of b using file, unless file is empty.
func (b Builder) WithIdentityFile(file string) Builder {
	if file != "" {
		b.IdentityFile = file
	}
	b.Options = append([]string(nil), b.Options...)
	return b
}

// Command returns a shell-quoted ssh invocation suitable for GIT_SSH_COMMAND.
// extra holds additional -o options, emitted in key order after the
// configured ones.
func (b Builder) Command(extra map[string]string) string {
	return shellescape.QuoteCommand(b.Args(extra))
}

// Args returns the ssh argv that Command quotes.
func (b Builder) Args(extra map[string]string) []string {
	args := []string{b.binary()}

	if b.IdentityFile != "" {
		args = append(args, "-i", b.IdentityFile, "-o", "IdentitiesOnly=yes")
	}

	for _, opt := range b.Options {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		args = append(args, "-o", opt)
	}

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-o", key+"="+extra[key])
	}

	return args
}

// ForwardEnv returns the extra options that make ssh forward the named
// variables to the remote session. It returns nil when names is empty.
func ForwardEnv(names ...string) map[string]string {
	var kept []string
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return map[string]string{SendEnvOption: strings.Join(kept, " ")}
}
