package pgstream

import "testing"

func TestParseServerVersion(t *testing.T) {
	cases := []struct {
		version string
		want    int
	}{
		{"", 0},
		{"9.6.24", 90624},
		{"9.6", 90600},
		{"10.1", 100001},
		{"14.3", 140003},
		{"14.3 (Debian 14.3-1.pgdg120+1)", 140003},
		{"17.0", 170000},
	}

	for _, c := range cases {
		if got := parseServerVersion(c.version); got != c.want {
			t.Errorf("parseServerVersion(%q) = %d, want %d", c.version, got, c.want)
		}
	}
}

func TestConnServerVersionPrefersNum(t *testing.T) {
	state := newConnState()
	state.setParameterStatus("server_version_num", "140003")
	state.setParameterStatus("server_version", "garbage")

	conn := &Conn{state: state}

	raw, num := conn.ServerVersion()
	if raw != "garbage" {
		t.Errorf("raw = %q, want %q", raw, "garbage")
	}
	if num != 140003 {
		t.Errorf("num = %d, want %d", num, 140003)
	}
}

func TestConnServerVersionFallsBackToParsing(t *testing.T) {
	state := newConnState()
	state.setParameterStatus("server_version", "12.4")

	conn := &Conn{state: state}

	_, num := conn.ServerVersion()
	if num != 120004 {
		t.Errorf("num = %d, want %d", num, 120004)
	}
}
