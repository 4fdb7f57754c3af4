package bus

import "testing"

func TestDerivePath(t *testing.T) {
	cases := map[string]string{
		"a.b.c.d":          "/a/b/c/d",
		"name.test.R1":     "/name/test/R1",
		"org.freedesktop.X": "/org/freedesktop/X",
	}
	for addr, want := range cases {
		if got := string(DerivePath(addr)); got != want {
			t.Errorf("DerivePath(%q) = %q, want %q", addr, got, want)
		}
	}
}
