package sshterminal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrDuplicateID   = errors.New("session id already in use")
	ErrNotFound      = errors.New("session not found")
	ErrNotConnected  = errors.New("session not found or not connected")
	ErrTimeout       = errors.New("connection timed out")
	ErrAborted       = errors.New("connect aborted")
	ErrInvalidSize   = errors.New("invalid terminal size")
	ErrInvalidConfig = errors.New("invalid session config")
)

// Category is a user-facing classification of a transport failure.
type Category string

const (
	CategoryHostUnreachable   Category = "host_unreachable"
	CategoryConnectionRefused Category = "connection_refused"
	CategoryAuthFailed        Category = "auth_failed"
	CategoryTimedOut          Category = "timed_out"
	CategoryHostKeyMismatch   Category = "host_key_mismatch"
	CategoryChannelFailed     Category = "channel_failed"
	CategoryUnknown           Category = "unknown"
)

var categoryMessages = map[Category]string{
	CategoryHostUnreachable:   "host unreachable",
	CategoryConnectionRefused: "connection refused",
	CategoryAuthFailed:        "authentication failed",
	CategoryTimedOut:          "timed out",
	CategoryHostKeyMismatch:   "host key verification failed",
	CategoryChannelFailed:     "could not open shell",
	CategoryUnknown:           "connection failed",
}

// Message returns a short human-readable description of the category.
func (c Category) Message() string {
	if m, ok := categoryMessages[c]; ok {
		return m
	}
	return categoryMessages[CategoryUnknown]
}

// TransportError is a handshake, authentication or channel failure.
type TransportError struct {
	Category Category
	Host     string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Host, e.Category.Message(), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// classify maps a low-level error to a TransportError. fallback is used
// when nothing more specific is recognised.
func classify(host string, fallback Category, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Category: categorize(err, fallback), Host: host, Err: err}
}

func categorize(err error, fallback Category) Category {
	var hkErr *HostKeyError
	var khErr *knownhosts.KeyError
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.As(err, &hkErr), errors.As(err, &khErr):
		return CategoryHostKeyMismatch
	case errors.Is(err, syscall.ECONNREFUSED):
		return CategoryConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH), errors.As(err, &dnsErr):
		return CategoryHostUnreachable
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return CategoryTimedOut
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return CategoryAuthFailed
	case strings.Contains(msg, "host key"):
		return CategoryHostKeyMismatch
	case strings.Contains(msg, "i/o timeout"):
		return CategoryTimedOut
	case strings.Contains(msg, "connection refused"):
		return CategoryConnectionRefused
	}
	return fallback
}
