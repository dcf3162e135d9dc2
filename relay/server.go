package relay

import (
	"database/sql"
	"math/rand"
	"sync"
	"time"

	"wormhole-mailbox/log"
)

//ServerOptions carries the state the Server needs beyond its two
//database handles
type ServerOptions struct {
	//MOTD is shown by clients and does not interrupt them
	MOTD string

	//AdvertiseVersion is the client release to recommend; clients
	//warn when theirs differs
	AdvertiseVersion string

	//SignalError makes every connecting client display the text
	//and abort
	SignalError string

	//PermissionRequired is merged into the welcome under the
	//"permission-required" key when non-nil, for clients that
	//negotiate access before binding
	PermissionRequired map[string]interface{}

	//BlurUsage rounds recorded times down to a multiple of this many
	//seconds. Zero records exact times
	BlurUsage int64

	//AllowList permits clients to request the list of allocated
	//nameplates
	AllowList bool
}

//Server is the registry of per-app_id namespaces and the owner of the
//dispatch lock. Every envelope handler and every pruning pass runs
//under mu, so Application and Mailbox code below never locks.
type Server struct {
	mu sync.Mutex

	db      *sql.DB
	usageDB *sql.DB

	welcome   map[string]interface{}
	blurUsage int64
	allowList bool

	apps map[string]*Application
	rng  *rand.Rand
	now  func() int64
}

//NewServer builds a Server around open database handles. usageDB may
//be nil to disable usage recording.
func NewServer(db, usageDB *sql.DB, opts ServerOptions) *Server {
	welcome := make(map[string]interface{})
	if opts.MOTD != "" {
		welcome["motd"] = opts.MOTD
	}
	if opts.AdvertiseVersion != "" {
		welcome["current_cli_version"] = opts.AdvertiseVersion
	}
	if opts.SignalError != "" {
		welcome["error"] = opts.SignalError
	}
	if opts.PermissionRequired != nil {
		welcome["permission-required"] = opts.PermissionRequired
	}

	return &Server{
		db:        db,
		usageDB:   usageDB,
		welcome:   welcome,
		blurUsage: opts.BlurUsage,
		allowList: opts.AllowList,
		apps:      make(map[string]*Application),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       func() int64 { return time.Now().Unix() },
	}
}

//GetWelcome returns the mapping sent to every client on connect
func (s *Server) GetWelcome() map[string]interface{} {
	return s.welcome
}

//GetApp returns the namespace for an app_id, creating it on first use
func (s *Server) GetApp(appID string) *Application {
	app, ok := s.apps[appID]
	if !ok {
		log.Debugf("spawning app_id %s", appID)
		app = newApplication(appID, s.db, s.usageDB, s.blurUsage, s.allowList, s.rng)
		s.apps[appID] = app
	}
	return app
}

//GetAllApps returns every app_id with durable rows in the channel
//store, whether or not a namespace object is live for it
func (s *Server) GetAllApps() ([]string, error) {
	seen := make(map[string]struct{})

	for _, table := range []string{"nameplates", "mailboxes", "messages"} {
		rows, err := s.db.Query(`SELECT DISTINCT app_id FROM ` + table)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var appID string
			if err = rows.Scan(&appID); err != nil {
				rows.Close()
				return nil, err
			}
			seen[appID] = struct{}{}
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}
	}

	res := make([]string, 0, len(seen))
	for appID := range seen {
		res = append(res, appID)
	}
	return res, nil
}

//PruneAllApps runs one pruning pass over every known app_id, dropping
//namespace objects that come back not-in-use
func (s *Server) PruneAllApps(now, old int64) error {
	log.Debugf("pruning all apps (now=%d old=%d)", now, old)

	appIDs, err := s.GetAllApps()
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(appIDs))
	for _, appID := range appIDs {
		live[appID] = struct{}{}
	}
	for appID := range s.apps {
		live[appID] = struct{}{}
	}

	for appID := range live {
		app := s.GetApp(appID)
		inUse, err := app.Prune(now, old)
		if err != nil {
			return err
		}
		if !inUse {
			delete(s.apps, appID)
		}
	}

	metricPruneRuns.Inc()
	return nil
}

//DumpStats replaces the single-row current table in the usage store
//with a snapshot taken now. A no-op without a usage store.
func (s *Server) DumpStats(now, rebooted int64) error {
	if s.usageDB == nil {
		return nil
	}

	connections := 0
	for _, app := range s.apps {
		connections += app.CountListeners()
	}

	if _, err := s.usageDB.Exec(`DELETE FROM current`); err != nil {
		return err
	}
	_, err := s.usageDB.Exec(`INSERT INTO current (rebooted, updated, blur_time, connections_websocket)
		VALUES (?, ?, ?, ?)`, rebooted, now, s.blurUsage, connections)
	return err
}

//Shutdown stops every listener on every live mailbox, forcing all
//clients to disconnect. Durable state is untouched.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, app := range s.apps {
		app.shutdown()
	}
}
