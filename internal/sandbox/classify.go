package sandbox

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// fatalSignatures are substrings of process-level sandbox failures. A message
// or error matching one aborts the whole session; anything else is a single
// bad message and the loop continues.
var fatalSignatures = []string{
	"out of memory",
	"oom killed",
	"runtime error",
	"timed out",
	"deadline exceeded",
	"socket",
	"connection closed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"use of closed network connection",
}

// IsFatalSignature classifies free-form error text from a sandbox payload.
func IsFatalSignature(text string) bool {
	text = strings.ToLower(text)
	for _, sig := range fatalSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// IsFatalError classifies transport errors from the session channel.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
	) {
		return true
	}
	return IsFatalSignature(err.Error())
}
