package cacheproxy

import "fmt"

// ArgumentError is returned for CLI argument mistakes (spec §6, §7).
type ArgumentError struct {
	str string
}

func newArgumentError(str string) *ArgumentError {
	return &ArgumentError{str: str}
}

// NewArgumentError builds an ArgumentError, for callers outside the package
// such as the cmd/cacheproxy argument parser.
func NewArgumentError(str string) *ArgumentError {
	return newArgumentError(str)
}

func (e *ArgumentError) Error() string {
	return "argument error: " + e.str
}

// NetworkError wraps any error coming out of the socket layer: bind,
// listen, accept, connect, read or write failures (spec §4.1, §7).
type NetworkError struct {
	str string
	err error
}

func newNetworkError(str string, err error) *NetworkError {
	return &NetworkError{str: str, err: err}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.str, e.err)
}

func (e *NetworkError) Unwrap() error {
	return e.err
}

// ParseError wraps a failure to parse the address tuple of a PORT command or
// a 227 reply.
type ParseError struct {
	str string
	err error
}

func newParseError(str string, err error) *ParseError {
	return &ParseError{str: str, err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s: %v", e.str, e.err)
}

func (e *ParseError) Unwrap() error {
	return e.err
}
