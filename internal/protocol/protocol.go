// Package protocol implements the line protocol spoken to the HID relay.
// Commands encode to single newline-terminated ASCII lines; relay replies
// are classified into a small closed response vocabulary.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrValidation marks a command payload rejected before transmission.
// Out-of-range or malformed payloads never reach the wire.
var ErrValidation = errors.New("command validation failed")

// Kind identifies an outbound command.
type Kind string

const (
	KindClick  Kind = "CLICK"
	KindMove   Kind = "MOVE"
	KindType   Kind = "TYPE"
	KindKey    Kind = "KEY"
	KindHotkey Kind = "HOTKEY"
	KindDelay  Kind = "DELAY"
	KindPing   Kind = "PING"
)

// Screen and payload bounds enforced before transmission.
const (
	MaxX        = 3840
	MaxY        = 2160
	MaxMoveStep = 1000
	MaxTextLen  = 1000
	MinDelayMs  = 1
	MaxDelayMs  = 30000
)

// Named key codes the relay understands. A single printable character is
// also accepted as a key code.
var namedKeys = map[string]bool{
	"ENTER":     true,
	"ESC":       true,
	"TAB":       true,
	"SPACE":     true,
	"BACKSPACE": true,
	"DELETE":    true,
}

// Hotkey combos the relay understands.
var supportedHotkeys = map[string]bool{
	"CTRL+A":     true,
	"CTRL+C":     true,
	"CTRL+V":     true,
	"CTRL+ENTER": true,
	"ALT+TAB":    true,
	"SHIFT+TAB":  true,
}

// Command is an outbound protocol message. Immutable once constructed; the
// issuing worker owns it until it is handed to the session manager.
type Command struct {
	Kind     Kind
	X, Y     int    // CLICK
	DX, DY   int    // MOVE
	Text     string // TYPE
	Code     string // KEY
	Combo    string // HOTKEY
	Ms       int    // DELAY
	IssuedAt time.Time
}

func Click(x, y int) Command  { return Command{Kind: KindClick, X: x, Y: y, IssuedAt: time.Now()} }
func Move(dx, dy int) Command { return Command{Kind: KindMove, DX: dx, DY: dy, IssuedAt: time.Now()} }
func Type(text string) Command {
	return Command{Kind: KindType, Text: text, IssuedAt: time.Now()}
}
func Key(code string) Command {
	return Command{Kind: KindKey, Code: code, IssuedAt: time.Now()}
}
func Hotkey(combo string) Command {
	return Command{Kind: KindHotkey, Combo: combo, IssuedAt: time.Now()}
}
func Delay(ms int) Command { return Command{Kind: KindDelay, Ms: ms, IssuedAt: time.Now()} }
func Ping() Command        { return Command{Kind: KindPing, IssuedAt: time.Now()} }

// Encode renders the command as its wire line, without the trailing newline.
// All payload validation happens here.
func (c Command) Encode() (string, error) {
	switch c.Kind {
	case KindClick:
		if c.X < 0 || c.X > MaxX || c.Y < 0 || c.Y > MaxY {
			return "", fmt.Errorf("%w: click (%d,%d) outside 0..%dx0..%d", ErrValidation, c.X, c.Y, MaxX, MaxY)
		}
		return fmt.Sprintf("CLICK:%d,%d", c.X, c.Y), nil
	case KindMove:
		if c.DX < -MaxMoveStep || c.DX > MaxMoveStep || c.DY < -MaxMoveStep || c.DY > MaxMoveStep {
			return "", fmt.Errorf("%w: move (%d,%d) exceeds ±%d", ErrValidation, c.DX, c.DY, MaxMoveStep)
		}
		return fmt.Sprintf("MOVE:%d,%d", c.DX, c.DY), nil
	case KindType:
		if len(c.Text) == 0 || len(c.Text) > MaxTextLen {
			return "", fmt.Errorf("%w: text length %d outside 1..%d", ErrValidation, len(c.Text), MaxTextLen)
		}
		if strings.ContainsAny(c.Text, "\r\n") {
			return "", fmt.Errorf("%w: text contains line terminator", ErrValidation)
		}
		return "TYPE:" + c.Text, nil
	case KindKey:
		if !validKeyCode(c.Code) {
			return "", fmt.Errorf("%w: unknown key code %q", ErrValidation, c.Code)
		}
		return "KEY:" + c.Code, nil
	case KindHotkey:
		combo := strings.ToUpper(c.Combo)
		if !supportedHotkeys[combo] {
			return "", fmt.Errorf("%w: unsupported hotkey %q", ErrValidation, c.Combo)
		}
		return "HOTKEY:" + combo, nil
	case KindDelay:
		if c.Ms < MinDelayMs || c.Ms > MaxDelayMs {
			return "", fmt.Errorf("%w: delay %dms outside %d..%d", ErrValidation, c.Ms, MinDelayMs, MaxDelayMs)
		}
		return fmt.Sprintf("DELAY:%d", c.Ms), nil
	case KindPing:
		return "PING", nil
	}
	return "", fmt.Errorf("%w: unknown command kind %q", ErrValidation, c.Kind)
}

func validKeyCode(code string) bool {
	if namedKeys[code] {
		return true
	}
	r := []rune(code)
	return len(r) == 1 && unicode.IsPrint(r[0]) && !unicode.IsSpace(r[0])
}

// ResponseType classifies a relay reply line.
type ResponseType int

const (
	RespOK ResponseType = iota
	RespError
	RespReady
	RespHeartbeat
	RespPong
)

// Response is one decoded relay reply.
type Response struct {
	Type   ResponseType
	Reason string // set for RespError
}

// ParseResponse classifies a raw relay line. Trailing whitespace is
// tolerated; any line outside the known vocabulary decodes as an
// UNKNOWN_RESPONSE error rather than being dropped.
func ParseResponse(line string) Response {
	line = strings.TrimRight(line, " \t\r\n")
	switch {
	case line == "OK":
		return Response{Type: RespOK}
	case line == "READY":
		return Response{Type: RespReady}
	case line == "HEARTBEAT":
		return Response{Type: RespHeartbeat}
	case line == "PONG":
		return Response{Type: RespPong}
	case strings.HasPrefix(line, "ERROR:"):
		return Response{Type: RespError, Reason: strings.TrimPrefix(line, "ERROR:")}
	}
	return Response{Type: RespError, Reason: "UNKNOWN_RESPONSE"}
}
