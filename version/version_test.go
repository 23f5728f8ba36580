package version

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/backend/memstore"
)

func TestInfo_Compatibility(t *testing.T) {
	a := Current()
	b := Current()
	if !a.IsCompatibleWith(b, AllChecks()) {
		t.Fatal("identical versions must be compatible")
	}
	if a.IncompatibilityReason(b, AllChecks()) != "" {
		t.Fatal("compatible versions must have no reason")
	}

	b.ProtocolVersion = "999"
	if a.IsCompatibleWith(b, AllChecks()) {
		t.Fatal("protocol mismatch must be incompatible")
	}
	if !strings.Contains(a.IncompatibilityReason(b, AllChecks()), "protocol version mismatch") {
		t.Fatal("reason should name the protocol")
	}
	// Protocol check disabled: compatible again.
	if !a.IsCompatibleWith(b, Checks{Client: true}) {
		t.Fatal("disabled protocol check must pass")
	}

	c := Current()
	c.ClientVersion = "0.0.1"
	reason := a.IncompatibilityReason(c, AllChecks())
	if !strings.Contains(reason, "client version mismatch") {
		t.Fatalf("reason should name the client: %s", reason)
	}
}

func TestInfo_JSONRoundTrip(t *testing.T) {
	orig := Current()
	data, err := orig.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	got, err := FromJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClientVersion != orig.ClientVersion || got.ProtocolVersion != orig.ProtocolVersion {
		t.Fatal("round trip mismatch")
	}
}

func managerFixture(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	store := memstore.NewStore()
	do := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "do@test.com"})
	ds := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "ds@test.com"})
	doMgr := NewManager(ManagerConfig{Router: backend.NewConnectionRouter(do)})
	dsMgr := NewManager(ManagerConfig{Router: backend.NewConnectionRouter(ds)})
	return doMgr, dsMgr
}

func TestManager_WriteAndLoadPeerVersion(t *testing.T) {
	ctx := context.Background()
	doMgr, dsMgr := managerFixture(t)

	if err := doMgr.WriteOwnVersion(ctx); err != nil {
		t.Fatal(err)
	}
	if err := doMgr.ShareVersionWithPeer(ctx, "ds@test.com"); err != nil {
		t.Fatal(err)
	}

	info, err := dsMgr.LoadPeerVersion(ctx, "do@test.com")
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.ProtocolVersion != ProtocolVersion {
		t.Fatalf("expected published version, got %+v", info)
	}
	if !dsMgr.IsPeerCompatible("do@test.com") {
		t.Fatal("same build must be compatible")
	}
}

func TestManager_FiltersUnknownPeers(t *testing.T) {
	ctx := context.Background()
	_, dsMgr := managerFixture(t)

	// Peer publishes nothing.
	dsMgr.LoadPeerVersionsParallel(ctx, []string{"do@test.com"})
	if dsMgr.IsPeerCompatible("do@test.com") {
		t.Fatal("unknown version must be incompatible")
	}
	compatible := dsMgr.CompatiblePeerEmails([]string{"do@test.com"})
	if len(compatible) != 0 {
		t.Fatalf("unknown peer must be filtered, got %v", compatible)
	}

	err := dsMgr.CheckForSubmission(ctx, "do@test.com", false)
	var unknown *UnknownError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownError, got %v", err)
	}
	// Forced submission skips the gate.
	if err := dsMgr.CheckForSubmission(ctx, "do@test.com", true); err != nil {
		t.Fatal("force must bypass the check")
	}
}

func TestManager_ExecutionGate(t *testing.T) {
	ctx := context.Background()
	doMgr, dsMgr := managerFixture(t)
	if err := dsMgr.WriteOwnVersion(ctx); err != nil {
		t.Fatal(err)
	}
	if err := dsMgr.ShareVersionWithPeer(ctx, "do@test.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := doMgr.LoadPeerVersion(ctx, "ds@test.com"); err != nil {
		t.Fatal(err)
	}
	if err := doMgr.CheckForJobExecution("ds@test.com"); err != nil {
		t.Fatalf("compatible submitter should pass: %v", err)
	}
	if err := doMgr.CheckForJobExecution("stranger@test.com"); err == nil {
		t.Fatal("unknown submitter must fail the gate")
	}
}

func TestManager_IgnoredChecksPassEverything(t *testing.T) {
	store := memstore.NewStore()
	conn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "ds@test.com"})
	m := NewManager(ManagerConfig{
		Router:                backend.NewConnectionRouter(conn),
		IgnoreClientVersion:   true,
		IgnoreProtocolVersion: true,
	})
	if !m.IsPeerCompatible("anyone@test.com") {
		t.Fatal("disabled checks must accept every peer")
	}
	got := m.CompatiblePeerEmails([]string{"a@x", "b@y"})
	if len(got) != 2 {
		t.Fatal("disabled checks must filter nothing")
	}
}
