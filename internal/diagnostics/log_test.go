package diagnostics

import (
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
)

func TestLog_KeepsMostRecent(t *testing.T) {
	log := NewLog(20, zap.NewNop())

	for i := 0; i < 25; i++ {
		log.Add("entry %d", i)
	}

	entries := log.Entries()
	if len(entries) != 20 {
		t.Fatalf("Expected 20 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		want := fmt.Sprintf("entry %d", i+5)
		if entry.Message != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, entry.Message)
		}
	}
}

func TestLog_DefaultCapacity(t *testing.T) {
	log := NewLog(0, nil)

	for i := 0; i < DefaultCapacity+3; i++ {
		log.Add("x")
	}

	if log.Len() != DefaultCapacity {
		t.Errorf("Expected %d entries, got %d", DefaultCapacity, log.Len())
	}
}

func TestLog_EntriesIsACopy(t *testing.T) {
	log := NewLog(5, zap.NewNop())
	log.Add("original")

	entries := log.Entries()
	entries[0].Message = "changed"

	if log.Entries()[0].Message != "original" {
		t.Error("Entries() must not expose internal storage")
	}
}

func TestLog_ConcurrentAppends(t *testing.T) {
	log := NewLog(20, zap.NewNop())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				log.Add("goroutine %d entry %d", g, i)
			}
		}(g)
	}
	wg.Wait()

	if log.Len() != 20 {
		t.Errorf("Expected 20 entries after concurrent appends, got %d", log.Len())
	}
}

func TestLog_OnAdd(t *testing.T) {
	log := NewLog(3, zap.NewNop())

	var seen []entities.DiagnosticEntry
	log.OnAdd(func(e entities.DiagnosticEntry) { seen = append(seen, e) })

	log.Add("one")
	log.Add("two")

	if len(seen) != 2 || seen[1].Message != "two" {
		t.Errorf("OnAdd not invoked per entry: %+v", seen)
	}
	if log.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", log.Len())
	}
}
