package failures

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/basket/gatekeep/internal/shared"
)

// CaptureInput describes where a failure happened. Action arguments are never
// accepted; only the action name is recorded.
type CaptureInput struct {
	Stage            string
	Phase            string
	Domain           string
	Component        string
	Severity         string
	Category         string
	RequestID        string
	UserIntent       string
	ActionName       string
	Code             string
	ExpectedBehavior string
	RemediationHint  string
	Tags             []string
	// Site stands in for the raising frame in the stack hash when err
	// carries none, such as a plain error returned by a capability.
	Site string
}

// Capture builds a redacted event for err. The message and intent pass
// through shared.SafeText; the stack is reduced to a hash of the error type
// and the frame where the gate error was raised.
func Capture(err error, in CaptureInput) Event {
	ev := Event{
		SchemaVersion:    SchemaVersion,
		Stage:            in.Stage,
		Phase:            in.Phase,
		Domain:           in.Domain,
		Component:        in.Component,
		Severity:         in.Severity,
		Category:         in.Category,
		RequestID:        in.RequestID,
		UserIntent:       shared.SafeText(in.UserIntent, shared.MaxIntentLength),
		Action:           Action{Name: in.ActionName, ArgsRedacted: true},
		ExpectedBehavior: in.ExpectedBehavior,
		RemediationHint:  strPtr(in.RemediationHint),
		Resolution:       Resolution{Status: StatusNew},
		Tags:             slices.Clone(in.Tags),
		Failure: Failure{
			Code:            in.Code,
			DetailsRedacted: true,
		},
	}
	if err != nil {
		typ := ExceptionType(err)
		ev.Failure.Message = shared.SafeText(err.Error(), shared.MaxIntentLength)
		ev.Failure.ExceptionType = &typ
		ev.Failure.StackHash = StackHash(err)
		if ev.Failure.StackHash == nil && in.Site != "" {
			ev.Failure.StackHash = hashSite(typ, in.Site)
		}
	}
	ev.normalize()
	return ev
}

// ExceptionType names the innermost error in err's chain.
func ExceptionType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

// StackHash is the sha256 of "type:file:function:line" for the frame where
// the innermost gate error in err was constructed, or nil when err carries no
// frame.
func StackHash(err error) *string {
	frame, ok := shared.FrameOf(err)
	if !ok {
		return nil
	}
	return hashSite(ExceptionType(err), fmt.Sprintf("%s:%s:%d", frame.File, frame.Function, frame.Line))
}

func hashSite(typ, site string) *string {
	sum := sha256.Sum256([]byte(typ + ":" + site))
	h := hex.EncodeToString(sum[:])
	return &h
}
