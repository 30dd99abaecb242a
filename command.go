// Package cacheproxy implements a transparent, caching, application-layer
// proxy for FTP: it relays the command channel verbatim while terminating
// both halves of every data transfer itself, interleaving a filename cache
// into the splice.
package cacheproxy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// readBufferSize is the fixed buffer size used for every command- and
// data-channel read, taken from the reference's BUFFSIZE constant.
const readBufferSize = 2048

// addrTupleRegex matches the six comma-separated decimal octets/port-bytes
// used by both PORT and 227 replies, the same shape as the teacher's
// remoteAddrRegex in transfer_active.go.
var addrTupleRegex = regexp.MustCompile(`^([0-9]{1,3},){5}[0-9]{1,3}$`)

// ErrMalformedTuple is returned when a PORT or 227 address tuple doesn't
// parse as six decimal octets. Spec §9 note 3: the reference proceeds with
// zero values on a parse failure; this is the hardened behavior the design
// notes recommend instead, dropping the session.
var ErrMalformedTuple = fmt.Errorf("malformed address tuple")

// addrTuple is a parsed PORT/227 (h1,h2,h3,h4,p1,p2) tuple.
type addrTuple struct {
	octets [4]int
	p1, p2 int
}

func (t addrTuple) port() int {
	return t.p1*256 + t.p2
}

func (t addrTuple) host() string {
	return fmt.Sprintf("%d.%d.%d.%d", t.octets[0], t.octets[1], t.octets[2], t.octets[3])
}

// formatTuple renders octets and port bytes back into the wire form used by
// both PORT and 227, e.g. "10,0,0,100,8,1".
func formatTuple(octets [4]int, p1, p2 int) string {
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", octets[0], octets[1], octets[2], octets[3], p1, p2)
}

func parseTuple(raw string) (addrTuple, error) {
	if !addrTupleRegex.MatchString(raw) {
		return addrTuple{}, newParseError(fmt.Sprintf("could not parse tuple %q", raw), ErrMalformedTuple)
	}

	fields := strings.Split(raw, ",")

	var tuple addrTuple

	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(fields[i])
		if err != nil {
			return addrTuple{}, newParseError(fmt.Sprintf("could not parse tuple %q", raw), ErrMalformedTuple)
		}

		tuple.octets[i] = v
	}

	p1, err := strconv.Atoi(fields[4])
	if err != nil {
		return addrTuple{}, newParseError(fmt.Sprintf("could not parse tuple %q", raw), ErrMalformedTuple)
	}

	p2, err := strconv.Atoi(fields[5])
	if err != nil {
		return addrTuple{}, newParseError(fmt.Sprintf("could not parse tuple %q", raw), ErrMalformedTuple)
	}

	tuple.p1, tuple.p2 = p1, p2

	return tuple, nil
}

// parseLine splits a command line into its verb and parameter. The verb is
// compared byte-for-byte against PORT/PASV/RETR/STOR with no case-folding,
// matching the reference's strcmp(command, "PORT") (original_source/main.c);
// a lowercase "retr" passes through untouched, same as the reference.
func parseLine(line string) (verb, rest string) {
	trimmed := strings.TrimRight(line, "\r\n")

	idx := strings.IndexByte(trimmed, ' ')
	if idx < 0 {
		return trimmed, ""
	}

	return trimmed[:idx], trimmed[idx+1:]
}

// parse227Reply extracts the tuple out of a line of the form
// "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)". It returns ok=false if
// the line isn't a 227 reply at all (a normal pass-through case, not an
// error).
func parse227Reply(line string) (tuple addrTuple, ok bool, err error) {
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, "227") {
		return addrTuple{}, false, nil
	}

	open := strings.IndexByte(trimmed, '(')
	closeIdx := strings.IndexByte(trimmed, ')')

	if open < 0 || closeIdx < 0 || closeIdx < open {
		return addrTuple{}, true, newParseError(fmt.Sprintf("could not parse 227 reply %q", line), ErrMalformedTuple)
	}

	tuple, err = parseTuple(trimmed[open+1 : closeIdx])
	if err != nil {
		return addrTuple{}, true, err
	}

	return tuple, true, nil
}

// rewrite227Reply rebuilds a 227 reply advertising proxyIP instead of the
// origin's address, keeping the origin's port bytes (spec §4.4).
func rewrite227Reply(proxyIP [4]int, tuple addrTuple) string {
	return fmt.Sprintf("227 Entering Passive Mode (%s)\n", formatTuple(proxyIP, tuple.p1, tuple.p2))
}

// rewritePORTCommand rebuilds a PORT command advertising proxyIP instead of
// the client's address, keeping the client's port bytes unchanged so the
// proxy also listens on that same port locally (spec §4.4, §9 note 2).
func rewritePORTCommand(proxyIP [4]int, tuple addrTuple) string {
	return fmt.Sprintf("PORT %s\n", formatTuple(proxyIP, tuple.p1, tuple.p2))
}
