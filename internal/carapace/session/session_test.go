package session_test

import (
	"errors"
	"testing"

	"github.com/fred-drake/carapace/internal/carapace/session"
)

func TestCreateRejectsDuplicateIdentity(t *testing.T) {
	m := session.New()
	if _, err := m.Create("container-1", "g1", "identity-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Create("container-2", "g1", "identity-1"); err == nil {
		t.Fatal("expected error on duplicate connection identity")
	}
}

func TestCreateRejectsDuplicateContainerID(t *testing.T) {
	m := session.New()
	if _, err := m.Create("container-1", "g1", "identity-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Create("container-1", "g1", "identity-2"); err == nil {
		t.Fatal("expected error on duplicate container id")
	}
}

func TestDeleteRemovesFromAllThreeIndexes(t *testing.T) {
	m := session.New()
	sess, _ := m.Create("container-1", "g1", "identity-1")

	m.Delete(sess.SessionID)

	if _, err := m.BySessionID(sess.SessionID); !errors.Is(err, session.ErrNotFound) {
		t.Error("expected session-id index cleared")
	}
	if _, err := m.ByConnectionIdentity("identity-1"); !errors.Is(err, session.ErrNotFound) {
		t.Error("expected identity index cleared")
	}
	if _, err := m.ByContainerID("container-1"); !errors.Is(err, session.ErrNotFound) {
		t.Error("expected container index cleared")
	}
}

func TestToContextProjection(t *testing.T) {
	m := session.New()
	sess, _ := m.Create("container-1", "g1", "identity-1")

	ctx, err := m.ToContext(sess.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Group != "g1" || ctx.Source != "container-1" || ctx.SessionID != sess.SessionID {
		t.Fatalf("unexpected context projection: %+v", ctx)
	}
}

func TestByConnectionIdentityAfterDeleteAllowsReuse(t *testing.T) {
	m := session.New()
	sess, _ := m.Create("container-1", "g1", "identity-1")
	m.Delete(sess.SessionID)

	if _, err := m.Create("container-1", "g1", "identity-1"); err != nil {
		t.Fatalf("expected identity and container id to be reusable after delete, got %v", err)
	}
}
