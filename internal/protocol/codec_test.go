package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	messages := map[string]Message{
		"data":              NewData("sess_1", "ls -la\r"),
		"resize":            NewResize("sess_1", 80, 43),
		"ping":              NewPing("sess_1"),
		"pong":              NewPong("sess_1"),
		"error":             NewError("sess_1", ErrorCodeSessionBusy, "a task is already running"),
		"session.create":    NewSessionCreate("sess_1", &SessionCreateMeta{Host: "mainframe", Port: 3270, Rows: 43, Cols: 80}),
		"session.create without meta": NewSessionCreate("sess_1", nil),
		"session.destroy":             NewSessionDestroy("sess_1"),
		"session.created":             NewSessionCreated("sess_1", "mainframe", 3270),
		"session.destroyed":           NewSessionDestroyed("sess_1", "destroyed by client"),
		"task.run": NewTaskRun("sess_1", "login", map[string]any{
			"items": []any{"USER00001", "USER00002"},
		}),
		"task.control": NewTaskControl("sess_1", ActionPause),
		"task.status": NewTaskStatus("sess_1", TaskStatusMeta{
			ExecutionID: "exec_1", TaskName: "login", Status: "running", Message: "Starting",
		}),
		"task.paused":   NewTaskPaused("sess_1", "exec_1", true, ""),
		"task.progress": NewTaskProgress("sess_1", "exec_1", "login", 2, 3, 2, "USER00002", "success", ""),
		"task.item_result": NewTaskItemResult("sess_1", TaskItemResultMeta{
			ExecutionID: "exec_1", ItemID: "USER00001", Status: "failed", DurationMs: 1200, Error: "rejected",
		}),
		"term.screen": NewTermScreen("sess_1", "READY", TermScreenMeta{
			Fields:    []Field{{Start: 0, End: 8, Protected: true, Row: 0, Col: 0, Length: 9}},
			CursorRow: 2, CursorCol: 11, Rows: 43, Cols: 80,
		}),
		"term.cursor": NewTermCursor("sess_1", 2, 11),
	}

	for name, msg := range messages {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", name, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", name, err)
		}
		if !reflect.DeepEqual(msg, got) {
			t.Fatalf("%s: roundtrip mismatch:\n sent %#v\n got  %#v", name, msg, got)
		}
	}
}

func TestDecodeMissingCommonFields(t *testing.T) {
	complete := `{"type":"data","sessionId":"sess_1","timestamp":1756300000000,"encoding":"utf8","seq":1,"payload":"x","meta":null}`
	if _, err := Decode([]byte(complete)); err != nil {
		t.Fatalf("complete envelope must decode: %v", err)
	}

	cases := map[string]string{
		"missing type":      `{"sessionId":"sess_1","timestamp":1,"encoding":"utf8","seq":1,"payload":"x","meta":null}`,
		"missing sessionId": `{"type":"data","timestamp":1,"encoding":"utf8","seq":1,"payload":"x","meta":null}`,
		"missing timestamp": `{"type":"data","sessionId":"sess_1","encoding":"utf8","seq":1,"payload":"x","meta":null}`,
		"missing encoding":  `{"type":"data","sessionId":"sess_1","timestamp":1,"seq":1,"payload":"x","meta":null}`,
		"missing seq":       `{"type":"data","sessionId":"sess_1","timestamp":1,"encoding":"utf8","payload":"x","meta":null}`,
		"missing payload":   `{"type":"data","sessionId":"sess_1","timestamp":1,"encoding":"utf8","seq":1,"meta":null}`,
		"missing meta":      `{"type":"data","sessionId":"sess_1","timestamp":1,"encoding":"utf8","seq":1,"payload":"x"}`,
		"not json":          `nope`,
		"wrong field type":  `{"type":"data","sessionId":42,"timestamp":1,"encoding":"utf8","seq":1,"payload":"x","meta":null}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestDecodeInvalidMeta(t *testing.T) {
	envelope := func(typ, meta string) string {
		return `{"type":"` + typ + `","sessionId":"sess_1","timestamp":1,"encoding":"utf8","seq":1,"payload":"","meta":` + meta + `}`
	}

	cases := map[string]string{
		"resize without meta":          envelope("resize", "null"),
		"error without code":           envelope("error", `{"details":{}}`),
		"task.run without taskName":    envelope("task.run", `{"params":{}}`),
		"task.control unknown action":  envelope("task.control", `{"action":"restart"}`),
		"task.control without meta":    envelope("task.control", "null"),
		"task.status without status":   envelope("task.status", `{"executionId":"exec_1"}`),
		"task.progress without id":     envelope("task.progress", `{"current":1,"total":2,"percent":50}`),
		"task.item_result without ids": envelope("task.item_result", `{"status":"success"}`),
		"meta wrong shape":             envelope("resize", `"not an object"`),
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	raw := `{"type":"hello","sessionId":"sess_1","timestamp":1,"encoding":"utf8","seq":1,"payload":"","meta":null}`
	if _, err := Decode([]byte(raw)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestPercent(t *testing.T) {
	cases := []struct {
		processed, total, want int
	}{
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 8, 13},
		{1, 6, 17},
		{0, 0, 0},
		{5, 0, 0},
	}
	for _, tc := range cases {
		if got := Percent(tc.processed, tc.total); got != tc.want {
			t.Fatalf("Percent(%d, %d) = %d, want %d", tc.processed, tc.total, got, tc.want)
		}
	}
}
