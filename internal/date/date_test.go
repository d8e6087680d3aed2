package date

import (
	"net/http"
	"testing"
	"time"
)

func TestCurrent_Parses(t *testing.T) {
	stop := Start(10 * time.Millisecond)
	defer stop()
	v := Current()
	ts, err := http.ParseTime(string(v))
	if err != nil {
		t.Fatalf("Expected an HTTP date, got %q: %v", v, err)
	}
	if d := time.Since(ts); d > time.Minute || d < -time.Minute {
		t.Errorf("Expected a current date, got %s", ts)
	}
}
