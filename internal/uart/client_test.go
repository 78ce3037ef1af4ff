package uart

import (
	"errors"
	"strings"
	"testing"
)

func TestDiscoverErr(t *testing.T) {
	t.Run("stack error is wrapped", func(t *testing.T) {
		cause := errors.New("att timeout")

		err := discoverErr("discover uart service", ServiceUUID, 0, cause)
		if err == nil {
			t.Fatal("discoverErr() = nil, want error")
		}
		if !errors.Is(err, cause) {
			t.Errorf("discoverErr() = %v, want it to wrap %v", err, cause)
		}
	})

	t.Run("clean return with no match names the uuid", func(t *testing.T) {
		err := discoverErr("discover uart service", ServiceUUID, 0, nil)
		if err == nil {
			t.Fatal("discoverErr() = nil, want error")
		}
		if !strings.Contains(err.Error(), ServiceUUID) {
			t.Errorf("discoverErr() = %q, want the service UUID in the message", err)
		}
		if strings.Contains(err.Error(), "%!w") {
			t.Errorf("discoverErr() = %q, nil error leaked into the format", err)
		}
	})

	t.Run("match found is not an error", func(t *testing.T) {
		if err := discoverErr("discover tx characteristic", TxCharUUID, 1, nil); err != nil {
			t.Errorf("discoverErr() = %v, want nil", err)
		}
	})
}
