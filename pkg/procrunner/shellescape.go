package procrunner

import "strings"

// ShellEscapePOSIX quotes s for safe inclusion as a single argument in a
// POSIX shell command line (the remote side of an ssh invocation, where the
// whole command is handed to /bin/sh -c as one string).
func ShellEscapePOSIX(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellEscapeWindows quotes s for safe inclusion as a single argument on a
// Windows cmd.exe command line.
func ShellEscapeWindows(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// NormalizeRemotePath rewrites a Windows-originated path (backslashes, a
// drive letter) into the forward-slash form the remote POSIX shell expects,
// lowercasing a leading drive letter.
func NormalizeRemotePath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	if len(path) >= 2 && path[1] == ':' && isASCIILetter(path[0]) {
		path = strings.ToLower(path[:1]) + path[1:]
	}
	return path
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
