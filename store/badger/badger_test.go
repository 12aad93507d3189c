package badger

import (
	"context"
	"testing"

	"github.com/bobg/seqvault/store/storetest"
)

func TestStore(t *testing.T) {
	for _, dir := range []string{"", t.TempDir()} {
		name := "disk"
		if dir == "" {
			name = "memory"
		}
		t.Run(name, func(t *testing.T) {
			s, err := Open(dir)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			storetest.All(context.Background(), t, s)
		})
	}
}
