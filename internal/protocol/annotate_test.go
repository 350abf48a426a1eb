package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

const validEvent = `{"userId":42,"username":"alice1","message":"hi","timestamp":"2024-01-01T00:00:00Z","messageType":"TEXT"}`

var fixedNow = time.Date(2024, 6, 1, 12, 30, 0, 123000000, time.UTC)

func fixedClock() time.Time { return fixedNow }

// event builds an inbound payload from validEvent with the given fields
// replaced. A nil value removes the field.
func event(t *testing.T, overrides map[string]interface{}) []byte {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(validEvent), &m); err != nil {
		t.Fatalf("unmarshal base event: %v", err)
	}
	for k, v := range overrides {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return data
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("response is not a JSON object: %v (%s)", err, data)
	}
	return m
}

// ---------------------------------------------------------------------------
// Test: a valid event is echoed with exactly two fields appended
// ---------------------------------------------------------------------------

func TestProcess_ValidEventAnnotated(t *testing.T) {
	a := NewAnnotator(fixedClock)

	out := a.Process([]byte(validEvent))
	if !out.Accepted() {
		t.Fatalf("expected accepted, got error %v", out.Err)
	}

	in := decode(t, []byte(validEvent))
	got := decode(t, out.Payload)

	if len(got) != len(in)+2 {
		t.Fatalf("expected %d fields, got %d: %s", len(in)+2, len(got), out.Payload)
	}
	for k, v := range in {
		if got[k] != v {
			t.Errorf("field %q altered: expected %v, got %v", k, v, got[k])
		}
	}
	if got[FieldStatus] != StatusOK {
		t.Errorf("expected status %q, got %v", StatusOK, got[FieldStatus])
	}
	if got[FieldServerTimestamp] != "2024-06-01T12:30:00.123Z" {
		t.Errorf("unexpected serverTimestamp %v", got[FieldServerTimestamp])
	}
}

func TestProcess_PreservesOriginalEncoding(t *testing.T) {
	input := `{"userId":42.0,"username":"alice1","message":"café \"quoted\"","timestamp":"2024-01-01T00:00:00+02:00","messageType":"JOIN","roomId":"7"}`

	out := NewAnnotator(fixedClock).Process([]byte(input))
	if !out.Accepted() {
		t.Fatalf("expected accepted, got error %v", out.Err)
	}

	want := strings.TrimSuffix(input, "}") +
		`,"serverTimestamp":"2024-06-01T12:30:00.123Z","status":"OK"}`
	if string(out.Payload) != want {
		t.Errorf("payload mismatch:\n got: %s\nwant: %s", out.Payload, want)
	}
}

func TestProcess_EndToEndExample(t *testing.T) {
	before := time.Now()
	out := NewAnnotator(nil).Process([]byte(validEvent))
	if !out.Accepted() {
		t.Fatalf("expected accepted, got error %v", out.Err)
	}

	got := decode(t, out.Payload)
	if got[FieldUserID] != float64(42) || got[FieldUsername] != "alice1" || got[FieldMessage] != "hi" ||
		got[FieldTimestamp] != "2024-01-01T00:00:00Z" || got[FieldMessageType] != "TEXT" {
		t.Errorf("original fields not preserved: %s", out.Payload)
	}

	ts, ok := got[FieldServerTimestamp].(string)
	if !ok {
		t.Fatalf("serverTimestamp missing or not a string: %v", got[FieldServerTimestamp])
	}
	serverTs, err := ParseInstant(ts)
	if err != nil {
		t.Fatalf("serverTimestamp %q is not ISO-8601: %v", ts, err)
	}
	clientTs, _ := ParseInstant("2024-01-01T00:00:00Z")
	if serverTs.Before(clientTs) {
		t.Errorf("serverTimestamp %s precedes client timestamp", ts)
	}
	if serverTs.Before(before.Add(-time.Second)) {
		t.Errorf("serverTimestamp %s is not the processing time", ts)
	}
}

// ---------------------------------------------------------------------------
// Test: malformed input
// ---------------------------------------------------------------------------

func TestProcess_MalformedInput(t *testing.T) {
	cases := []string{
		``,
		`   `,
		`{invalid json}`,
		`{"userId":42`,
		`[1,2,3]`,
		`"just a string"`,
		`42`,
		`null`,
		validEvent + ` trailing`,
		strings.Replace(validEvent, `"hi"`, "\"\xff\xfe\"", 1),
		`{"userId":42,"userId":0}`,
		strings.Replace(validEvent, `"userId":42`, `"userId":42,"userId":"x"`, 1),
	}

	a := NewAnnotator(fixedClock)
	for _, input := range cases {
		t.Run(fmt.Sprintf("%q", input), func(t *testing.T) {
			out := a.Process([]byte(input))
			if out.Accepted() {
				t.Fatalf("expected rejection, got %s", out.Payload)
			}
			if !errors.Is(out.Err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", out.Err)
			}

			got := decode(t, out.Payload)
			if len(got) != 2 || got[FieldStatus] != StatusError || got["message"] != "malformed input" {
				t.Errorf("unexpected error payload %s", out.Payload)
			}
			if _, ok := got[FieldServerTimestamp]; ok {
				t.Error("error payload carries serverTimestamp")
			}
		})
	}
}

func TestValidate_DuplicateKeysRejected(t *testing.T) {
	// Decoders disagree on which duplicate wins, so any repeat is malformed.
	cases := map[string]string{
		"userId twice":          strings.Replace(validEvent, `"userId":42`, `"userId":42,"userId":999999`, 1),
		"messageType twice":     strings.Replace(validEvent, `"messageType":"TEXT"`, `"messageType":"TEXT","messageType":"BOGUS"`, 1),
		"status supplied twice": strings.Replace(validEvent, `}`, `,"status":"X","status":"Y"}`, 1),
		"unrelated key twice":   strings.Replace(validEvent, `}`, `,"extra":1,"extra":2}`, 1),
		"escaped repeat":        strings.Replace(validEvent, `"username":"alice1"`, `"username":"alice1","user\u006eame":"bob"`, 1),
	}

	a := NewAnnotator(fixedClock)
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Validate([]byte(input)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			if out := a.Process([]byte(input)); out.Accepted() {
				t.Errorf("expected rejection, got %s", out.Payload)
			}
		})
	}

	nested := strings.Replace(validEvent, `}`, `,"meta":{"a":1,"a":2}}`, 1)
	if _, err := Validate([]byte(nested)); err != nil {
		t.Errorf("repeated keys inside a nested object should pass, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: field constraints and boundaries
// ---------------------------------------------------------------------------

func TestValidate_FieldConstraints(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]interface{}
		wantErr   error
	}{
		{"userId min", map[string]interface{}{"userId": 1}, nil},
		{"userId max", map[string]interface{}{"userId": 100000}, nil},
		{"userId zero", map[string]interface{}{"userId": 0}, ErrUserID},
		{"userId negative", map[string]interface{}{"userId": -5}, ErrUserID},
		{"userId above max", map[string]interface{}{"userId": 100001}, ErrUserID},
		{"userId huge", map[string]interface{}{"userId": 1e20}, ErrUserID},
		{"userId fractional", map[string]interface{}{"userId": 4.5}, ErrUserID},
		{"userId string", map[string]interface{}{"userId": "42"}, ErrUserID},
		{"userId bool", map[string]interface{}{"userId": true}, ErrUserID},
		{"userId missing", map[string]interface{}{"userId": nil}, ErrUserID},

		{"username 3 chars", map[string]interface{}{"username": "abc"}, nil},
		{"username 20 chars", map[string]interface{}{"username": strings.Repeat("a", 20)}, nil},
		{"username 2 chars", map[string]interface{}{"username": "ab"}, ErrUsername},
		{"username 21 chars", map[string]interface{}{"username": strings.Repeat("a", 21)}, ErrUsername},
		{"username underscore", map[string]interface{}{"username": "alice_1"}, ErrUsername},
		{"username space", map[string]interface{}{"username": "ali ce"}, ErrUsername},
		{"username non-ascii", map[string]interface{}{"username": "alicé"}, ErrUsername},
		{"username number", map[string]interface{}{"username": 12345}, ErrUsername},
		{"username missing", map[string]interface{}{"username": nil}, ErrUsername},

		{"message 1 char", map[string]interface{}{"message": "x"}, nil},
		{"message 500 chars", map[string]interface{}{"message": strings.Repeat("x", 500)}, nil},
		{"message 500 multibyte", map[string]interface{}{"message": strings.Repeat("é", 500)}, nil},
		{"message empty", map[string]interface{}{"message": ""}, ErrMessageLength},
		{"message 501 chars", map[string]interface{}{"message": strings.Repeat("x", 501)}, ErrMessageLength},
		{"message object", map[string]interface{}{"message": map[string]string{"a": "b"}}, ErrMessageLength},
		{"message missing", map[string]interface{}{"message": nil}, ErrMessageLength},

		{"timestamp fractional", map[string]interface{}{"timestamp": "2024-01-01T00:00:00.123456Z"}, nil},
		{"timestamp offset", map[string]interface{}{"timestamp": "2024-01-01T08:00:00+08:00"}, nil},
		{"timestamp garbage", map[string]interface{}{"timestamp": "bad"}, ErrTimestamp},
		{"timestamp date only", map[string]interface{}{"timestamp": "2024-01-01"}, ErrTimestamp},
		{"timestamp leap second", map[string]interface{}{"timestamp": "2016-12-31T23:59:60Z"}, ErrTimestamp},
		{"timestamp no zone", map[string]interface{}{"timestamp": "2024-01-01T00:00:00"}, ErrTimestamp},
		{"timestamp number", map[string]interface{}{"timestamp": 1704067200}, ErrTimestamp},
		{"timestamp missing", map[string]interface{}{"timestamp": nil}, ErrTimestamp},

		{"messageType JOIN", map[string]interface{}{"messageType": "JOIN"}, nil},
		{"messageType LEAVE", map[string]interface{}{"messageType": "LEAVE"}, nil},
		{"messageType lowercase", map[string]interface{}{"messageType": "text"}, ErrMessageType},
		{"messageType unknown", map[string]interface{}{"messageType": "PING"}, ErrMessageType},
		{"messageType empty", map[string]interface{}{"messageType": ""}, ErrMessageType},
		{"messageType missing", map[string]interface{}{"messageType": nil}, ErrMessageType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Validate(event(t, tc.overrides))
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if ev == nil {
					t.Fatal("expected a parsed event")
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if ev != nil {
				t.Errorf("expected no event on failure, got %+v", ev)
			}
		})
	}
}

func TestValidate_ParsedEvent(t *testing.T) {
	ev, err := Validate([]byte(validEvent))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ChatEvent{
		UserID:      42,
		Username:    "alice1",
		Message:     "hi",
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MessageType: MessageTypeText,
	}
	if ev.UserID != want.UserID || ev.Username != want.Username || ev.Message != want.Message ||
		!ev.Timestamp.Equal(want.Timestamp) || ev.MessageType != want.MessageType {
		t.Errorf("expected %+v, got %+v", want, *ev)
	}
}

// ---------------------------------------------------------------------------
// Test: only the first failure in check order is reported
// ---------------------------------------------------------------------------

func TestProcess_FirstFailureWins(t *testing.T) {
	input := `{"userId":0,"username":"ab","message":"","timestamp":"bad","messageType":"PING"}`

	out := NewAnnotator(fixedClock).Process([]byte(input))
	if out.Accepted() {
		t.Fatal("expected rejection")
	}
	if out.Err.Field != FieldUserID {
		t.Errorf("expected userId to be cited, got %q", out.Err.Field)
	}

	got := decode(t, out.Payload)
	if len(got) != 2 {
		t.Fatalf("expected a single error event, got %s", out.Payload)
	}
	if got[FieldStatus] != StatusError || got["message"] != "invalid userId" {
		t.Errorf("unexpected error payload %s", out.Payload)
	}
}

func TestValidate_CheckOrder(t *testing.T) {
	// Each step breaks one more field, starting from the last in check order;
	// the reported field must always be the earliest broken one.
	steps := []struct {
		field    string
		override interface{}
		wantErr  error
	}{
		{FieldMessageType, "nope", ErrMessageType},
		{FieldTimestamp, "nope", ErrTimestamp},
		{FieldMessage, "", ErrMessageLength},
		{FieldUsername, "!", ErrUsername},
		{FieldUserID, -1, ErrUserID},
	}

	overrides := map[string]interface{}{}
	for _, s := range steps {
		overrides[s.field] = s.override
		_, err := Validate(event(t, overrides))

		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected *ValidationError, got %T", err)
		}
		if verr.Field != s.field || !errors.Is(err, s.wantErr) {
			t.Errorf("after breaking %s: expected %s/%v, got %s/%v", s.field, s.field, s.wantErr, verr.Field, err)
		}
	}
}

func TestProcess_UserIDTypeReason(t *testing.T) {
	out := NewAnnotator(fixedClock).Process(event(t, map[string]interface{}{"userId": "42"}))
	got := decode(t, out.Payload)
	if got["message"] != "invalid userId: missing or non-integer field" {
		t.Errorf("unexpected reason %v", got["message"])
	}
}

// ---------------------------------------------------------------------------
// Test: concurrent invocations stay independent
// ---------------------------------------------------------------------------

func TestProcess_Concurrent(t *testing.T) {
	a := NewAnnotator(nil)
	const workers = 64
	const perWorker = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				userID := id*perWorker + i + 1
				valid := (id+i)%3 != 0
				username := fmt.Sprintf("user%d", userID)
				if !valid {
					username = "x"
				}
				input := fmt.Sprintf(`{"userId":%d,"username":%q,"message":"m%d","timestamp":"2024-01-01T00:00:00Z","messageType":"TEXT"}`,
					userID, username, userID)

				out := a.Process([]byte(input))
				var m map[string]interface{}
				if err := json.Unmarshal(out.Payload, &m); err != nil {
					errs <- err
					continue
				}
				if !valid {
					if out.Accepted() || m[FieldStatus] != StatusError || m["message"] != "invalid username" {
						errs <- fmt.Errorf("worker %d msg %d: expected username error, got %s", id, i, out.Payload)
					}
					continue
				}
				if !out.Accepted() || m[FieldUserID] != float64(userID) || m[FieldUsername] != username ||
					m[FieldMessage] != fmt.Sprintf("m%d", userID) || m[FieldStatus] != StatusOK {
					errs <- fmt.Errorf("worker %d msg %d: cross-contaminated result %s", id, i, out.Payload)
				}
			}
		}(w)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// Test: error event encoding
// ---------------------------------------------------------------------------

func TestNewErrorEvent(t *testing.T) {
	data := NewErrorEvent(`bad "input"`)
	if string(data) != `{"status":"ERROR","message":"bad \"input\""}` {
		t.Errorf("unexpected encoding %s", data)
	}
}
