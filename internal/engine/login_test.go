package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/termgate/internal/host"
)

const (
	signOnScreen  = "WELCOME\n   SIGN ON   \nUSERID ===>"
	readyScreen   = "SIGN ON COMPLETE\nREADY"
	signOffScreen = "SIGN OFF IN PROGRESS"
)

// signOnScript loops through one full sign-on cycle: each submitted input
// advances sign-on -> ready -> signing-off -> back to sign-on.
func signOnScript() host.Script {
	return host.Script{
		Screens: []host.ScreenSpec{
			{Text: signOnScreen, CursorRow: 2, CursorCol: 11},
			{Text: readyScreen},
			{Text: signOffScreen},
		},
		Loop: true,
	}
}

func TestLoginItemsRequireList(t *testing.T) {
	task := &LoginTask{}

	if _, err := task.Items(json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing items")
	}
	if _, err := task.Items(json.RawMessage(`{"items":[]}`)); err == nil {
		t.Fatal("expected error for empty items")
	}
	if _, err := task.Items(json.RawMessage(`{"items":`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}

	items, err := task.Items(json.RawMessage(`{"items":["USER00001","USER00002"]}`))
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if len(items) != 2 || items[0] != "USER00001" {
		t.Fatalf("unexpected items: %v", items)
	}
}

func TestLoginValidate(t *testing.T) {
	task := &LoginTask{}

	valid := []string{"USER00001", "abcDEF123", "000000000"}
	for _, item := range valid {
		if err := task.Validate(item); err != nil {
			t.Fatalf("expected %q valid: %v", item, err)
		}
	}

	invalid := []string{"", "USER1", "USER000001", "USER 0001", "USER-0001"}
	for _, item := range invalid {
		if err := task.Validate(item); err == nil {
			t.Fatalf("expected %q invalid", item)
		}
	}
}

func TestLoginProcessSignsOnAndOff(t *testing.T) {
	conn := host.NewScripted(signOnScript(), 43, 80)
	defer conn.Close()
	task := &LoginTask{StepTimeout: time.Second}

	data, err := task.Process(context.Background(), conn, "USER00001")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if data["signedOn"] != true {
		t.Fatalf("unexpected result data: %v", data)
	}
	filled := conn.FilledValues()
	if len(filled) != 1 || filled[0] != "USER00001" {
		t.Fatalf("expected the identifier typed into the sign-on field, got %v", filled)
	}

	// The cycle ends back on the sign-on screen, ready for the next item.
	if !conn.ScreenContains("SIGN ON") {
		t.Fatalf("expected sign-on screen after sign-off, got %q", conn.Screen())
	}

	if _, err := task.Process(context.Background(), conn, "USER00002"); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
}

func TestLoginProcessRejectedSignOn(t *testing.T) {
	conn := host.NewScripted(host.Script{
		Screens: []host.ScreenSpec{
			{Text: signOnScreen},
			{Text: "INVALID SIGN ON ATTEMPT"},
		},
	}, 43, 80)
	defer conn.Close()
	task := &LoginTask{StepTimeout: 50 * time.Millisecond}

	if _, err := task.Process(context.Background(), conn, "USER00001"); err == nil {
		t.Fatal("expected error when the host rejects the sign-on")
	}
}
