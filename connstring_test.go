package replhost

import "testing"

func TestParseConnectionString(t *testing.T) {
	ep, err := ParseConnectionString("serial:/dev/ttyACM0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Scheme != "serial" || ep.Parameter != "/dev/ttyACM0" {
		t.Errorf("got %+v", ep)
	}

	ep2, err := ParseConnectionString("subprocess:micropython")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep2.Scheme != "subprocess" || ep2.Parameter != "micropython" {
		t.Errorf("got %+v", ep2)
	}
}

func TestParseConnectionStringMalformed(t *testing.T) {
	for _, s := range []string{"", "noColonHere", "serial:", ":param", ":"} {
		if _, err := ParseConnectionString(s); err == nil {
			t.Errorf("expected %q to be rejected as malformed", s)
		}
	}
}

func TestOpenTransportUnsupportedScheme(t *testing.T) {
	cfg := defaultConfig()
	_, _, err := openTransport("carrier-pigeon:nest", cfg)
	if err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}
