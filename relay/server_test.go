package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWelcomeFields(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	require.Empty(t, s.GetWelcome())

	s = newTestServer(t, ServerOptions{
		MOTD:             "hello world",
		AdvertiseVersion: "0.13.0",
		SignalError:      "the server is on fire",
		PermissionRequired: map[string]interface{}{
			"none": map[string]interface{}{},
		},
	})
	welcome := s.GetWelcome()
	require.Equal(t, "hello world", welcome["motd"])
	require.Equal(t, "0.13.0", welcome["current_cli_version"])
	require.Equal(t, "the server is on fire", welcome["error"])
	require.Contains(t, welcome, "permission-required")
}

func TestGetAppLazy(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	app1 := s.GetApp("appid")
	app2 := s.GetApp("appid")
	require.Same(t, app1, app2)
	require.NotSame(t, app1, s.GetApp("other"))
}

func TestGetAllApps(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	apps, err := s.GetAllApps()
	require.NoError(t, err)
	require.Empty(t, apps)

	_, err = s.GetApp("app1").ClaimNameplate("np1", "side1", 1)
	require.NoError(t, err)
	_, err = s.GetApp("app2").OpenMailbox("mb1", "side1", 1)
	require.NoError(t, err)

	apps, err = s.GetAllApps()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"app1", "app2"}, apps)
}

func TestPruneAllApps(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	_, err := s.GetApp("app1").ClaimNameplate("np1", "side1", 1)
	require.NoError(t, err)

	require.NoError(t, s.PruneAllApps(700, 660))
	require.Equal(t, 0, countRows(t, s.db, "mailboxes"))

	//The claim left a live mailbox object behind, so the namespace
	//reports in-use and survives the pass
	require.Contains(t, s.apps, "app1")

	//Once nothing holds an object anymore, the next pass drops it
	s.apps["app1"].mailboxes = make(map[string]*Mailbox)
	require.NoError(t, s.PruneAllApps(800, 760))
	require.Empty(t, s.apps)
}

func TestPruneAllAppsReachesColdState(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	//Rows exist but no namespace object is live, as after a restart
	_, err := s.GetApp("app1").ClaimNameplate("np1", "side1", 1)
	require.NoError(t, err)
	s.apps = make(map[string]*Application)

	require.NoError(t, s.PruneAllApps(700, 660))
	require.Equal(t, 0, countRows(t, s.db, "mailboxes"))
	require.Equal(t, 0, countRows(t, s.db, "nameplates"))
}

func TestDumpStats(t *testing.T) {
	s := newTestServer(t, ServerOptions{BlurUsage: 600})

	app := s.GetApp("appid")
	mbox, err := app.OpenMailbox("mb1", "side1", 1)
	require.NoError(t, err)
	_, err = mbox.AddListener("handle1", func(SidedMessage) {}, func() {})
	require.NoError(t, err)

	require.NoError(t, s.DumpStats(50, 42))

	var rebooted, updated, blur, connections int64
	err = s.usageDB.QueryRow(`SELECT rebooted, updated, blur_time, connections_websocket FROM current`).
		Scan(&rebooted, &updated, &blur, &connections)
	require.NoError(t, err)
	require.Equal(t, int64(42), rebooted)
	require.Equal(t, int64(50), updated)
	require.Equal(t, int64(600), blur)
	require.Equal(t, int64(1), connections)

	//The next snapshot replaces the row instead of stacking
	require.NoError(t, s.DumpStats(60, 42))
	require.Equal(t, 1, countRows(t, s.usageDB, "current"))
}

func TestShutdownBootsListeners(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	app := s.GetApp("appid")
	mbox, err := app.OpenMailbox("mb1", "side1", 1)
	require.NoError(t, err)

	stopped := 0
	_, err = mbox.AddListener("handle1", func(SidedMessage) {}, func() { stopped++ })
	require.NoError(t, err)

	s.Shutdown()
	require.Equal(t, 1, stopped)
	require.False(t, mbox.HasListeners())
}
