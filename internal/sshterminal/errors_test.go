package sshterminal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, CategoryConnectionRefused},
		{"unreachable", fmt.Errorf("dial: %w", syscall.EHOSTUNREACH), CategoryHostUnreachable},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, CategoryHostUnreachable},
		{"deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), CategoryTimedOut},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"), CategoryAuthFailed},
		{"host key", &HostKeyError{Host: "h:22", Fingerprint: "SHA256:x"}, CategoryHostKeyMismatch},
		{"other", errors.New("boom"), CategoryChannelFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := categorize(tt.err, CategoryChannelFailed); got != tt.want {
				t.Errorf("categorize(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyKeepsExistingTransportError(t *testing.T) {
	orig := &TransportError{Category: CategoryAuthFailed, Host: "a:22", Err: errors.New("x")}
	got := classify("b:22", CategoryUnknown, fmt.Errorf("wrapped: %w", orig))
	if got != orig {
		t.Errorf("classify returned %v, want original", got)
	}
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Category: CategoryTimedOut, Host: "example.com:22", Err: errors.New("i/o timeout")}
	want := "example.com:22: timed out: i/o timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if Category("nonsense").Message() != "connection failed" {
		t.Errorf("unknown category message = %q", Category("nonsense").Message())
	}
}
