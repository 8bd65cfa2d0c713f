package transport

import "testing"

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateFailed, "failed"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	if StateConnecting.Terminal() || StateConnected.Terminal() {
		t.Fatal("non-terminal states reported terminal")
	}
	if !StateFailed.Terminal() || !StateClosed.Terminal() {
		t.Fatal("terminal states not reported terminal")
	}
}
