package protocol

import (
	"fmt"
	"math"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// usernamePattern is compiled once and shared read-only by every caller.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9]{3,20}$`)

// Per-field constraint tags, evaluated with validate.Var.
var (
	tagUserID      = fmt.Sprintf("min=%d,max=%d", MinUserID, MaxUserID)
	tagUsername    = "username"
	tagMessage     = fmt.Sprintf("min=%d,max=%d", MinMessageLength, MaxMessageLength)
	tagTimestamp   = "instant"
	tagMessageType = fmt.Sprintf("oneof=%s %s %s", MessageTypeText, MessageTypeJoin, MessageTypeLeave)
)

// validate is safe for concurrent use once the custom tags are registered.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	must(v.RegisterValidation(tagUsername, func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	}))
	must(v.RegisterValidation(tagTimestamp, func(fl validator.FieldLevel) bool {
		_, err := ParseInstant(fl.Field().String())
		return err == nil
	}))
	return v
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("protocol: register validation: %v", err))
	}
}

// ParseInstant parses an ISO-8601 instant. A zone designator ("Z" or an
// offset) is required; fractional seconds are optional.
func ParseInstant(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// FormatInstant renders t in UTC with nanosecond precision, trailing zeros
// trimmed.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate parses raw as a JSON object and checks the five chat event fields
// in a fixed order: userId, username, message, timestamp, messageType. Only
// the first violated constraint is reported.
func Validate(raw []byte) (*ChatEvent, error) {
	if !utf8.Valid(raw) || !gjson.ValidBytes(raw) {
		return nil, newValidationError("", ErrMalformed, "")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() || hasDuplicateKey(doc) {
		return nil, newValidationError("", ErrMalformed, "")
	}

	var ev ChatEvent
	checks := []func() *ValidationError{
		func() (verr *ValidationError) { ev.UserID, verr = userIDField(doc); return },
		func() (verr *ValidationError) {
			ev.Username, verr = stringField(doc, FieldUsername, tagUsername, ErrUsername)
			return
		},
		func() (verr *ValidationError) {
			ev.Message, verr = stringField(doc, FieldMessage, tagMessage, ErrMessageLength)
			return
		},
		func() *ValidationError {
			s, verr := stringField(doc, FieldTimestamp, tagTimestamp, ErrTimestamp)
			if verr != nil {
				return verr
			}
			ev.Timestamp, _ = ParseInstant(s)
			return nil
		},
		func() *ValidationError {
			s, verr := stringField(doc, FieldMessageType, tagMessageType, ErrMessageType)
			ev.MessageType = MessageType(s)
			return verr
		},
	}
	for _, check := range checks {
		if verr := check(); verr != nil {
			return nil, verr
		}
	}
	return &ev, nil
}

// hasDuplicateKey reports whether a top-level key appears more than once.
// Keys are compared unescaped, so "user\u0049d" repeats "userId".
func hasDuplicateKey(doc gjson.Result) bool {
	seen := make(map[string]struct{})
	dup := false
	doc.ForEach(func(key, _ gjson.Result) bool {
		k := key.String()
		if _, ok := seen[k]; ok {
			dup = true
			return false
		}
		seen[k] = struct{}{}
		return true
	})
	return dup
}

// userIDField looks up userId as a JSON number with an integral value. Values
// such as 42.0 are accepted; 42.5, "42" and null are not.
func userIDField(doc gjson.Result) (int, *ValidationError) {
	res := doc.Get(FieldUserID)
	if res.Type != gjson.Number || res.Num != math.Trunc(res.Num) {
		return 0, newValidationError(FieldUserID, ErrUserID, "invalid userId: missing or non-integer field")
	}
	// Keep the int conversion below well-defined.
	if res.Num < math.MinInt32 || res.Num > math.MaxInt32 {
		return 0, newValidationError(FieldUserID, ErrUserID, "")
	}
	id := int(res.Num)
	if err := validate.Var(id, tagUserID); err != nil {
		return 0, newValidationError(FieldUserID, ErrUserID, "")
	}
	return id, nil
}

// stringField looks up name as a JSON string and checks it against tag. A
// missing field or one of another JSON type fails the same way as a value
// that breaks the constraint.
func stringField(doc gjson.Result, name, tag string, sentinel error) (string, *ValidationError) {
	res := doc.Get(name)
	if res.Type != gjson.String {
		return "", newValidationError(name, sentinel, "")
	}
	if err := validate.Var(res.Str, tag); err != nil {
		return "", newValidationError(name, sentinel, "")
	}
	return res.Str, nil
}

// ---------------------------------------------------------------------------
// Annotation
// ---------------------------------------------------------------------------

// Annotate validates raw and, on success, returns the client's original JSON
// object with serverTimestamp and status appended. Every client field keeps
// its original encoding.
func Annotate(raw []byte, now time.Time) ([]byte, error) {
	if _, err := Validate(raw); err != nil {
		return nil, err
	}

	out, err := sjson.SetBytes(raw, FieldServerTimestamp, FormatInstant(now))
	if err != nil {
		return nil, newValidationError("", ErrMalformed, "")
	}
	out, err = sjson.SetBytes(out, FieldStatus, StatusOK)
	if err != nil {
		return nil, newValidationError("", ErrMalformed, "")
	}
	return out, nil
}

// Annotator turns inbound payloads into response payloads. It holds no
// mutable state and may be shared by any number of goroutines.
type Annotator struct {
	now func() time.Time
}

// NewAnnotator returns an Annotator stamping responses with now. A nil clock
// means time.Now.
func NewAnnotator(now func() time.Time) *Annotator {
	if now == nil {
		now = time.Now
	}
	return &Annotator{now: now}
}

// Process validates and annotates raw. It always yields a payload to send back
// to the client: the annotated event, or an ErrorEvent naming the first
// failure.
func (a *Annotator) Process(raw []byte) Outcome {
	out, err := Annotate(raw, a.now())
	if err != nil {
		verr, ok := err.(*ValidationError)
		if !ok {
			verr = newValidationError("", ErrMalformed, "")
		}
		return Outcome{Payload: NewErrorEvent(verr.Reason), Err: verr}
	}
	return Outcome{Payload: out}
}
