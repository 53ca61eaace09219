package fetcher

import "strings"

// defaultSSHOptions are appended to every ssh invocation: no tty, no X11
// forwarding, ssh's own log messages to syslog, never prompt, bounded
// connect time.
var defaultSSHOptions = []string{
	"-T", "-x", "-y",
	"-o", "BatchMode=yes",
	"-o", "ConnectTimeout=10",
}

// controlArgv builds the argv of the persistent listing channel.
func controlArgv(sshConnect []string) []string {
	argv := make([]string, 0, 1+len(sshConnect)+len(defaultSSHOptions))
	argv = append(argv, "ssh")
	argv = append(argv, sshConnect...)
	argv = append(argv, defaultSSHOptions...)
	return argv
}

// commandArgv builds the argv of a short-lived ssh child running one remote
// command (transfer data stream or mtime verifier).
func commandArgv(sshConnect []string, remoteCmd string) []string {
	return append(controlArgv(sshConnect), remoteCmd)
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// remote file names survive the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// dataCommand renders the remote command producing the gzip byte stream for
// remotePath: sources already compressed are streamed as-is, everything else
// is compressed in transit.
func dataCommand(remotePath string) string {
	if strings.HasSuffix(remotePath, ".gz") {
		return "cat " + shellQuote(remotePath)
	}
	return "gzip -c " + shellQuote(remotePath)
}

// verifierCommand renders the remote command re-reading the mtime of
// remotePath.
func verifierCommand(remotePath string) string {
	return "stat --format='<%Y>' " + shellQuote(remotePath)
}
