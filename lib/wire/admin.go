package wire

import (
	"fmt"
	"strings"
)

// AdminCommand is one parsed line of the newline-delimited admin text
// protocol that shares the broker's TCP socket with the binary protocol.
type AdminCommand string

const (
	AdminStatus   AdminCommand = "status"
	AdminWorkers  AdminCommand = "workers"
	AdminVersion  AdminCommand = "version"
	AdminShutdown AdminCommand = "shutdown"
)

// EndOfMultilineReply is the sentinel line that terminates a multi-line
// admin reply (status, workers)
const EndOfMultilineReply = ".\n"

// ParseAdminLine recognises the first line sent by a connection as an
// admin command. ok is false for anything else, including a blank line or
// a line that happens to overlap with a binary frame's leading bytes.
func ParseAdminLine(line string) (cmd AdminCommand, ok bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	switch AdminCommand(trimmed) {
	case AdminStatus, AdminWorkers, AdminVersion, AdminShutdown:
		return AdminCommand(trimmed), true
	default:
		return "", false
	}
}

// StatusLine formats one line of the `status` admin reply:
// func\tnum_jobs\tnum_working\tnum_workers\n
func StatusLine(function string, numJobs, numWorking, numWorkers int) string {
	return fmt.Sprintf("%s\t%d\t%d\t%d\n", function, numJobs, numWorking, numWorkers)
}

// WorkersLine formats one line of the `workers` admin reply:
// fd ip client_id : ability1 ability2 ...\n
func WorkersLine(fd int, ip, clientID string, abilities []string) string {
	return fmt.Sprintf("%d %s %s : %s\n", fd, ip, clientID, strings.Join(abilities, " "))
}
