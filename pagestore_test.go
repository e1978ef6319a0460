package tessera

import (
	"testing"
)

func testMessage(id, content string) Message {
	c := content
	return Message{ID: id, SenderID: "user-2", Content: &c, CreatedAt: "2026-08-01T10:00:00Z"}
}

func testPage(ids ...string) Page[Message] {
	p := Page[Message]{}
	for _, id := range ids {
		p.Data = append(p.Data, testMessage(id, "body-"+id))
	}
	return p
}

func entryIDs(entries []Message) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func assertOrder(t *testing.T, got []Message, want ...string) {
	t.Helper()
	ids := entryIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, ids)
		}
	}
}

func TestPageStoreOrdering(t *testing.T) {
	t.Run("prepend older keeps page order", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m3", "m4")})
		s.PrependOlder("k", testPage("m1", "m2"))
		assertOrder(t, s.Entries("k"), "m1", "m2", "m3", "m4")
	})

	t.Run("append newer keeps page order", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m1", "m2")})
		s.AppendNewer("k", testPage("m3", "m4"))
		assertOrder(t, s.Entries("k"), "m1", "m2", "m3", "m4")
	})

	t.Run("duplicate ids are dropped from inserted pages", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m2", "m3")})
		s.PrependOlder("k", testPage("m1", "m2"))
		s.AppendNewer("k", testPage("m3", "m4"))
		assertOrder(t, s.Entries("k"), "m1", "m2", "m3", "m4")
	})

	t.Run("fully duplicate page is not inserted", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m1", "m2")})
		s.PrependOlder("k", testPage("m1", "m2"))
		if got := len(s.Pages("k")); got != 1 {
			t.Fatalf("expected 1 page, got %d", got)
		}
	})
}

func TestPageStoreEntryOps(t *testing.T) {
	t.Run("append entry is idempotent by id", func(t *testing.T) {
		s := NewPageStore[Message]()
		if !s.AppendEntry("k", testMessage("m1", "a")) {
			t.Fatal("first append should report inserted")
		}
		if s.AppendEntry("k", testMessage("m1", "b")) {
			t.Fatal("second append of same id should be a no-op")
		}
		entries := s.Entries("k")
		if len(entries) != 1 || *entries[0].Content != "a" {
			t.Fatalf("duplicate append must not overwrite, got %+v", entries)
		}
	})

	t.Run("append is refused while newer pages remain unloaded", func(t *testing.T) {
		s := NewPageStore[Message]()
		window := testPage("m10", "m11")
		window.Meta = PageMeta{HasPrev: true, PrevCursor: "newer-1"}
		s.Replace("k", []Page[Message]{window})

		// A tail append past an incomplete window would misorder the
		// sequence; the entry arrives with the newer page instead.
		if s.AppendEntry("k", testMessage("m14", "live")) {
			t.Fatal("append past an incomplete window must be a no-op")
		}
		newer := testPage("m12", "m13", "m14")
		newer.Meta = PageMeta{HasPrev: false}
		s.AppendNewer("k", newer)
		assertOrder(t, s.Entries("k"), "m10", "m11", "m12", "m13", "m14")
	})

	t.Run("remove drops emptied pages", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m1"), testPage("m2", "m3")})
		if !s.RemoveEntry("k", "m1") {
			t.Fatal("expected removal")
		}
		if got := len(s.Pages("k")); got != 1 {
			t.Fatalf("expected emptied page to be dropped, got %d pages", got)
		}
		assertOrder(t, s.Entries("k"), "m2", "m3")
	})

	t.Run("promote moves entry to the head", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m1", "m2", "m3")})
		if !s.PromoteEntry("k", "m3") {
			t.Fatal("expected promotion")
		}
		assertOrder(t, s.Entries("k"), "m3", "m1", "m2")
	})

	t.Run("mutate visits every entry", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m1"), testPage("m2")})
		s.Mutate("k", func(m Message) Message {
			m.EditedAt = "2026-08-01T11:00:00Z"
			return m
		})
		for _, e := range s.Entries("k") {
			if e.EditedAt == "" {
				t.Fatalf("entry %s not visited", e.ID)
			}
		}
	})

	t.Run("mutate on absent key is a no-op", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Mutate("missing", func(m Message) Message { return m })
	})
}

func TestPageStoreOptimistic(t *testing.T) {
	t.Run("commit swaps temp entry for authoritative entry", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m1")})

		temp := testMessage("local-1", "draft")
		temp.Pending = true
		s.OptimisticInsert("k", temp)
		if s.PendingCount("k") != 1 {
			t.Fatal("expected one pending entry")
		}

		s.Commit("k", "local-1", testMessage("m2", "draft"))
		assertOrder(t, s.Entries("k"), "m1", "m2")
		if s.PendingCount("k") != 0 {
			t.Fatal("commit must clear pending state")
		}
		if got, _ := s.Find("k", "m2"); got.Pending {
			t.Fatal("committed entry must not be pending")
		}
	})

	t.Run("rollback restores pre-insert state exactly", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m1", "m2")})
		before := entryIDs(s.Entries("k"))

		temp := testMessage("local-1", "draft")
		temp.Pending = true
		s.OptimisticInsert("k", temp)
		s.Rollback("k", "local-1")

		after := entryIDs(s.Entries("k"))
		if len(after) != len(before) {
			t.Fatalf("rollback left residue: before=%v after=%v", before, after)
		}
		if s.PendingCount("k") != 0 {
			t.Fatal("rollback must clear pending state")
		}
	})

	t.Run("commit after create event raced ahead drops the placeholder", func(t *testing.T) {
		s := NewPageStore[Message]()
		temp := testMessage("local-1", "draft")
		temp.Pending = true
		s.OptimisticInsert("k", temp)

		// The channel delivered message.created before the HTTP ack.
		s.AppendEntry("k", testMessage("m9", "draft"))

		s.Commit("k", "local-1", testMessage("m9", "draft"))
		assertOrder(t, s.Entries("k"), "m9")
	})

	t.Run("rollback of unknown temp id is a no-op", func(t *testing.T) {
		s := NewPageStore[Message]()
		s.Replace("k", []Page[Message]{testPage("m1")})
		s.Rollback("k", "local-404")
		assertOrder(t, s.Entries("k"), "m1")
	})

	t.Run("replace discards pending entries", func(t *testing.T) {
		s := NewPageStore[Message]()
		temp := testMessage("local-1", "draft")
		temp.Pending = true
		s.OptimisticInsert("k", temp)
		s.Replace("k", []Page[Message]{testPage("m1")})
		if s.PendingCount("k") != 0 {
			t.Fatal("replace must discard pending state")
		}
	})
}

func TestPageStoreCopies(t *testing.T) {
	s := NewPageStore[Message]()
	s.Replace("k", []Page[Message]{testPage("m1", "m2")})

	pages := s.Pages("k")
	pages[0].Data[0] = testMessage("hacked", "x")

	if _, ok := s.Find("k", "hacked"); ok {
		t.Fatal("Pages must return a copy, not an aliased slice")
	}
}
