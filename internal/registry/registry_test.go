package registry_test

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"linguacast/internal/metrics"
	"linguacast/internal/registry"
	"linguacast/internal/store"
	"linguacast/internal/types"
)

func newTestRegistry() *registry.Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return registry.New(store.NewMemoryStore(), registry.Config{
		TransportCeiling:   2 * time.Hour,
		SessionMaxDuration: 8 * time.Hour,
	}, logger, metrics.New(prometheus.NewRegistry()))
}

func mustCreateSession(t *testing.T, r *registry.Registry) types.Session {
	t.Helper()
	session, err := r.CreateSession(context.Background(), "speaker-1", "en")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func TestCreateSession_SlugFormat(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)

	slugRe := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{3}$`)
	if !slugRe.MatchString(session.ID) {
		t.Fatalf("expected three-part slug id, got %q", session.ID)
	}
	if session.Status != types.SessionActive {
		t.Fatalf("expected new session active, got %s", session.Status)
	}
	if session.SpeakerPrincipal != "speaker-1" {
		t.Fatalf("expected speaker principal bound at creation")
	}
}

func TestAdmit_SpeakerRoleForced(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)

	conn, err := r.Admit(context.Background(), registry.AdmitRequest{
		SessionID: session.ID,
		Principal: types.AuthenticatedPrincipal("speaker-1", ""),
	})
	if err != nil {
		t.Fatalf("speaker admit failed: %v", err)
	}
	if conn.Role != types.RoleSpeaker {
		t.Fatalf("expected role speaker, got %s", conn.Role)
	}
	if conn.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", conn.Generation)
	}
	if !conn.ExpiresAt.After(conn.ConnectedAt) {
		t.Fatalf("expected expiry after connect time")
	}
}

func TestAdmit_AnonymousListener(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)

	conn, err := r.Admit(context.Background(), registry.AdmitRequest{
		SessionID:      session.ID,
		Principal:      types.AnonymousPrincipal(),
		TargetLanguage: "es",
	})
	if err != nil {
		t.Fatalf("listener admit failed: %v", err)
	}
	if conn.Role != types.RoleListener {
		t.Fatalf("expected role listener, got %s", conn.Role)
	}
	if conn.TargetLanguage != "es" {
		t.Fatalf("expected target language es, got %s", conn.TargetLanguage)
	}
}

func TestAdmit_AuthenticatedNonSpeakerIsListener(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)

	conn, err := r.Admit(context.Background(), registry.AdmitRequest{
		SessionID:      session.ID,
		Principal:      types.AuthenticatedPrincipal("someone-else", ""),
		TargetLanguage: "fr",
	})
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if conn.Role != types.RoleListener {
		t.Fatalf("a principal that is not the session speaker must be a listener, got %s", conn.Role)
	}
}

func TestAdmit_ListenerMissingLanguage(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)

	_, err := r.Admit(context.Background(), registry.AdmitRequest{
		SessionID: session.ID,
		Principal: types.AnonymousPrincipal(),
	})
	if err != registry.ErrMissingLanguage {
		t.Fatalf("expected ErrMissingLanguage, got %v", err)
	}
}

func TestAdmit_SessionNotFound(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Admit(context.Background(), registry.AdmitRequest{
		SessionID:      "no-such-session",
		Principal:      types.AnonymousPrincipal(),
		TargetLanguage: "es",
	})
	if err != registry.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAdmit_EndedSessionRejected(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)
	if err := r.SetSessionStatus(context.Background(), session.ID, types.SessionEnded); err != nil {
		t.Fatalf("SetSessionStatus failed: %v", err)
	}

	_, err := r.Admit(context.Background(), registry.AdmitRequest{
		SessionID:      session.ID,
		Principal:      types.AnonymousPrincipal(),
		TargetLanguage: "es",
	})
	if err != registry.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound for ended session, got %v", err)
	}
}

func TestAdmit_PausedSessionStillAdmits(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)
	if err := r.SetSessionStatus(context.Background(), session.ID, types.SessionPaused); err != nil {
		t.Fatalf("SetSessionStatus failed: %v", err)
	}

	if _, err := r.Admit(context.Background(), registry.AdmitRequest{
		SessionID:      session.ID,
		Principal:      types.AnonymousPrincipal(),
		TargetLanguage: "es",
	}); err != nil {
		t.Fatalf("paused session should admit listeners, got %v", err)
	}
}

func TestAdmit_DuplicateSpeaker(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)

	speaker := registry.AdmitRequest{
		SessionID: session.ID,
		Principal: types.AuthenticatedPrincipal("speaker-1", ""),
	}
	if _, err := r.Admit(context.Background(), speaker); err != nil {
		t.Fatalf("first speaker admit failed: %v", err)
	}
	if _, err := r.Admit(context.Background(), speaker); err != registry.ErrDuplicateSpeaker {
		t.Fatalf("expected ErrDuplicateSpeaker, got %v", err)
	}
}

func TestAdmit_ConcurrentSpeakers_OneWins(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Admit(context.Background(), registry.AdmitRequest{
				SessionID: session.ID,
				Principal: types.AuthenticatedPrincipal("speaker-1", ""),
			})
		}(i)
	}
	wg.Wait()

	succeeded, duplicates := 0, 0
	for _, err := range errs {
		switch err {
		case nil:
			succeeded++
		case registry.ErrDuplicateSpeaker:
			duplicates++
		default:
			t.Fatalf("unexpected admit error: %v", err)
		}
	}
	if succeeded != 1 || duplicates != attempts-1 {
		t.Fatalf("expected exactly one winner, got %d winners and %d duplicates", succeeded, duplicates)
	}
}

func TestRefreshAdmit_GenerationIncrements(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)
	ctx := context.Background()

	old, err := r.Admit(ctx, registry.AdmitRequest{
		SessionID: session.ID,
		Principal: types.AuthenticatedPrincipal("speaker-1", ""),
	})
	if err != nil {
		t.Fatalf("initial admit failed: %v", err)
	}

	// Refresh path: old connection superseded first, then the successor is
	// admitted at the next generation. Both records exist during the window.
	if err := r.Supersede(ctx, old.ID); err != nil {
		t.Fatalf("Supersede failed: %v", err)
	}
	next, err := r.Admit(ctx, registry.AdmitRequest{
		SessionID:         session.ID,
		Principal:         types.AuthenticatedPrincipal("speaker-1", ""),
		PriorConnectionID: old.ID,
	})
	if err != nil {
		t.Fatalf("refresh admit failed: %v", err)
	}
	if next.Generation != old.Generation+1 {
		t.Fatalf("expected generation %d, got %d", old.Generation+1, next.Generation)
	}

	spk, found, err := r.FindSpeakerConnection(ctx, session.ID)
	if err != nil || !found {
		t.Fatalf("expected live speaker connection, found=%v err=%v", found, err)
	}
	if spk.ID != next.ID {
		t.Fatalf("expected successor to be the live speaker, got %s", spk.ID)
	}
}

func TestRefreshAdmit_ListenerInheritsLanguage(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)
	ctx := context.Background()

	old, err := r.Admit(ctx, registry.AdmitRequest{
		SessionID:      session.ID,
		Principal:      types.AnonymousPrincipal(),
		TargetLanguage: "es",
	})
	if err != nil {
		t.Fatalf("initial admit failed: %v", err)
	}

	next, err := r.Admit(ctx, registry.AdmitRequest{
		SessionID:         session.ID,
		Principal:         types.AnonymousPrincipal(),
		TargetLanguage:    "es",
		PriorConnectionID: old.ID,
	})
	if err != nil {
		t.Fatalf("refresh admit failed: %v", err)
	}
	if next.TargetLanguage != "es" {
		t.Fatalf("expected inherited language es, got %s", next.TargetLanguage)
	}
	if next.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", next.Generation)
	}
}

func TestTouch_MissingConnectionIsNoop(t *testing.T) {
	r := newTestRegistry()
	if err := r.Touch(context.Background(), "gone"); err != nil {
		t.Fatalf("touch of missing connection must be a no-op, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)
	ctx := context.Background()

	conn, err := r.Admit(ctx, registry.AdmitRequest{
		SessionID:      session.ID,
		Principal:      types.AnonymousPrincipal(),
		TargetLanguage: "es",
	})
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	if err := r.Release(ctx, conn.ID); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if err := r.Release(ctx, conn.ID); err != nil {
		t.Fatalf("second release must be idempotent, got %v", err)
	}
}

func TestFindListeners_LanguageFilter(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)
	ctx := context.Background()

	for _, lang := range []string{"es", "es", "fr"} {
		if _, err := r.Admit(ctx, registry.AdmitRequest{
			SessionID:      session.ID,
			Principal:      types.AnonymousPrincipal(),
			TargetLanguage: lang,
		}); err != nil {
			t.Fatalf("admit failed: %v", err)
		}
	}

	es, err := r.FindListeners(ctx, session.ID, "es")
	if err != nil {
		t.Fatalf("FindListeners failed: %v", err)
	}
	if len(es) != 2 {
		t.Fatalf("expected 2 es listeners, got %d", len(es))
	}

	all, err := r.FindListeners(ctx, session.ID, "")
	if err != nil {
		t.Fatalf("FindListeners failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 listeners total, got %d", len(all))
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry()
	session := mustCreateSession(t, r)
	ctx := context.Background()

	if _, err := r.Admit(ctx, registry.AdmitRequest{
		SessionID: session.ID,
		Principal: types.AuthenticatedPrincipal("speaker-1", ""),
	}); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if _, err := r.Admit(ctx, registry.AdmitRequest{
		SessionID:      session.ID,
		Principal:      types.AnonymousPrincipal(),
		TargetLanguage: "es",
	}); err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.SpeakerConnections != 1 || stats.ListenerConnections != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ActiveSessions != 1 {
		t.Fatalf("expected 1 active session, got %d", stats.ActiveSessions)
	}
}
