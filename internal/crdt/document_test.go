package crdt

import (
	"math/rand"
	"testing"
)

func mustInsert(t *testing.T, doc *Document, index int, text string) []byte {
	t.Helper()
	update, err := doc.Insert(index, text)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	return update
}

func mustDelete(t *testing.T, doc *Document, index, count int) []byte {
	t.Helper()
	update, err := doc.Delete(index, count)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	return update
}

func mustApply(t *testing.T, doc *Document, update []byte) {
	t.Helper()
	if err := doc.ApplyUpdate(update); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestInsertAndDeleteLocally(t *testing.T) {
	doc := NewDocument("a")
	mustInsert(t, doc, 0, "hello world")
	if doc.Text() != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", doc.Text())
	}
	mustDelete(t, doc, 5, 6)
	if doc.Text() != "hello" {
		t.Fatalf("expected %q after delete, got %q", "hello", doc.Text())
	}
	mustInsert(t, doc, 5, "!")
	if doc.Text() != "hello!" {
		t.Fatalf("expected %q, got %q", "hello!", doc.Text())
	}
}

func TestApplyIsCommutative(t *testing.T) {
	base := NewDocument("base")
	seed := mustInsert(t, base, 0, "shared")

	docA, err := NewDocumentFromSnapshot("a", base.Snapshot())
	if err != nil {
		t.Fatalf("snapshot restore failed: %v", err)
	}
	docB, err := NewDocumentFromSnapshot("b", base.Snapshot())
	if err != nil {
		t.Fatalf("snapshot restore failed: %v", err)
	}

	updateA := mustInsert(t, docA, 0, "A>")
	updateB := mustInsert(t, docB, 6, "<B")

	firstAB, err := NewDocumentFromSnapshot("x", nil)
	if err != nil {
		t.Fatalf("new document failed: %v", err)
	}
	mustApply(t, firstAB, seed)
	mustApply(t, firstAB, updateA)
	mustApply(t, firstAB, updateB)

	firstBA, err := NewDocumentFromSnapshot("y", nil)
	if err != nil {
		t.Fatalf("new document failed: %v", err)
	}
	mustApply(t, firstBA, seed)
	mustApply(t, firstBA, updateB)
	mustApply(t, firstBA, updateA)

	if firstAB.Text() != firstBA.Text() {
		t.Fatalf("apply order changed result: %q vs %q", firstAB.Text(), firstBA.Text())
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	source := NewDocument("a")
	update := mustInsert(t, source, 0, "once")

	doc := NewDocument("b")
	mustApply(t, doc, update)
	before := doc.Text()
	mustApply(t, doc, update)
	mustApply(t, doc, update)
	if doc.Text() != before {
		t.Fatalf("re-applying update changed state: %q vs %q", doc.Text(), before)
	}
}

func TestDeleteBeforeInsertTombstones(t *testing.T) {
	source := NewDocument("a")
	insert := mustInsert(t, source, 0, "x")
	remove := mustDelete(t, source, 0, 1)

	doc := NewDocument("b")
	mustApply(t, doc, remove)
	mustApply(t, doc, insert)
	if doc.Text() != "" {
		t.Fatalf("expected tombstoned character to stay hidden, got %q", doc.Text())
	}
}

func TestConvergenceUnderRandomInterleaving(t *testing.T) {
	// Each writer produces an ordered stream of updates; replicas merge the
	// streams in random orders that preserve per-writer ordering, mirroring
	// how independent connections interleave at a server.
	writers := []*Document{NewDocument("w0"), NewDocument("w1"), NewDocument("w2")}
	streams := make([][][]byte, len(writers))
	words := []string{"alpha", "beta", "gamma", "delta"}
	for i, writer := range writers {
		for j, word := range words {
			at := 0
			if i%2 == 1 {
				at = writer.Len()
			}
			streams[i] = append(streams[i], mustInsert(t, writer, at, word))
			if j == 2 && writer.Len() > 3 {
				streams[i] = append(streams[i], mustDelete(t, writer, 1, 2))
			}
		}
	}

	rng := rand.New(rand.NewSource(7))
	var texts []string
	for replica := 0; replica < 5; replica++ {
		doc := NewDocument("r")
		cursors := make([]int, len(streams))
		for {
			var ready []int
			for i := range streams {
				if cursors[i] < len(streams[i]) {
					ready = append(ready, i)
				}
			}
			if len(ready) == 0 {
				break
			}
			pick := ready[rng.Intn(len(ready))]
			mustApply(t, doc, streams[pick][cursors[pick]])
			cursors[pick]++
		}
		texts = append(texts, doc.Text())
	}
	for i := 1; i < len(texts); i++ {
		if texts[i] != texts[0] {
			t.Fatalf("replica %d diverged: %q vs %q", i, texts[i], texts[0])
		}
	}
}

func TestDiffCatchesUpStaleReplica(t *testing.T) {
	server := NewDocument("server")
	mustInsert(t, server, 0, "hello")

	client, err := NewDocumentFromSnapshot("client", server.Snapshot())
	if err != nil {
		t.Fatalf("snapshot restore failed: %v", err)
	}
	staleVector := client.StateVector()

	mustInsert(t, server, 5, " world")
	mustDelete(t, server, 0, 1)

	delta, err := server.Diff(staleVector)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	mustApply(t, client, delta)
	if client.Text() != server.Text() {
		t.Fatalf("resync diverged: client %q, server %q", client.Text(), server.Text())
	}
}

func TestDiffWithEmptyVectorReturnsFullHistory(t *testing.T) {
	server := NewDocument("server")
	mustInsert(t, server, 0, "full")

	delta, err := server.Diff(nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	fresh := NewDocument("fresh")
	mustApply(t, fresh, delta)
	if fresh.Text() != "full" {
		t.Fatalf("expected full history replay, got %q", fresh.Text())
	}
}

func TestSnapshotRestoreContinuesEditing(t *testing.T) {
	original := NewDocument("server")
	mustInsert(t, original, 0, "persisted")

	restored, err := NewDocumentFromSnapshot("server", original.Snapshot())
	if err != nil {
		t.Fatalf("snapshot restore failed: %v", err)
	}
	if restored.Text() != "persisted" {
		t.Fatalf("expected restored text %q, got %q", "persisted", restored.Text())
	}
	mustInsert(t, restored, restored.Len(), "!")
	if restored.Text() != "persisted!" {
		t.Fatalf("expected %q, got %q", "persisted!", restored.Text())
	}
}

func TestApplyRejectsMalformedPayloads(t *testing.T) {
	doc := NewDocument("a")
	if err := doc.ApplyUpdate([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if err := doc.ApplyUpdate([]byte(`{"ops":[{"t":"nope","id":{"c":"a","k":1}}]}`)); err == nil {
		t.Fatal("expected error for unknown op kind")
	}
	if doc.Len() != 0 {
		t.Fatalf("malformed payloads must not mutate the document")
	}
}

func TestEditRangeValidation(t *testing.T) {
	doc := NewDocument("a")
	if _, err := doc.Insert(1, "x"); err == nil {
		t.Fatal("expected out of bounds insert to fail")
	}
	mustInsert(t, doc, 0, "ab")
	if _, err := doc.Delete(1, 5); err == nil {
		t.Fatal("expected out of bounds delete to fail")
	}
}

func TestConcurrentInsertsAtSameIndexKeepAllCharacters(t *testing.T) {
	docA := NewDocument("a")
	docB := NewDocument("b")

	updateA := mustInsert(t, docA, 0, "AAA")
	updateB := mustInsert(t, docB, 0, "BBB")

	mustApply(t, docA, updateB)
	mustApply(t, docB, updateA)

	if docA.Text() != docB.Text() {
		t.Fatalf("replicas diverged: %q vs %q", docA.Text(), docB.Text())
	}
	if docA.Len() != 6 {
		t.Fatalf("expected all 6 characters retained, got %q", docA.Text())
	}
}
