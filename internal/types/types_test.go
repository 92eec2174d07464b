package types

import "testing"

func TestChangeEventValidate(t *testing.T) {
	cases := []struct {
		name    string
		event   ChangeEvent
		wantErr bool
	}{
		{"valid insert", ChangeEvent{Type: Insert, Key: "1", Value: "v"}, false},
		{"insert with previous", ChangeEvent{Type: Insert, Key: "1", Value: "v", PreviousValue: "p"}, true},
		{"valid update", ChangeEvent{Type: Update, Key: "1", Value: "v", PreviousValue: "p"}, false},
		{"update missing previous", ChangeEvent{Type: Update, Key: "1", Value: "v"}, true},
		{"valid delete", ChangeEvent{Type: Delete, Key: "1", Value: "p"}, false},
		{"delete missing value", ChangeEvent{Type: Delete, Key: "1"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.event.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusIdle, StatusLoading},
		{StatusLoading, StatusReady},
		{StatusReady, StatusError},
		{StatusError, StatusIdle},
		{StatusCleanedUp, StatusLoading},
	}
	for _, c := range allowed {
		if !CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be allowed", c.from, c.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusIdle, StatusReady},
		{StatusReady, StatusLoading},
		{StatusCleanedUp, StatusReady},
	}
	for _, c := range forbidden {
		if CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be forbidden", c.from, c.to)
		}
	}
}

func TestGlobalKey(t *testing.T) {
	if got := GlobalKey("users", "42"); got != "users/42" {
		t.Fatalf("GlobalKey() = %q, want %q", got, "users/42")
	}
}
