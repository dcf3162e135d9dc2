package relay

import (
	crand "crypto/rand"
	"database/sql"
	"encoding/base32"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"wormhole-mailbox/log"
)

//Application holds all channel state scoped to one app_id. A wider
//variety of client protocols can share one server without stepping on
//each others nameplates.
//
//All methods assume the owning Server's dispatch lock is held. Every
//state-changing operation takes the current time from the caller so
//tests can drive deterministic timestamps.
type Application struct {
	id string

	db        *sql.DB
	usageDB   *sql.DB
	blurUsage int64
	allowList bool

	mailboxes map[string]*Mailbox
	rng       *rand.Rand
}

type nameplateRow struct {
	id        int64
	mailboxID string
}

type nameplateSideRow struct {
	claimed bool
	side    string
	added   int64
}

func newApplication(id string, db, usageDB *sql.DB, blurUsage int64, allowList bool, rng *rand.Rand) *Application {
	return &Application{
		id:        id,
		db:        db,
		usageDB:   usageDB,
		blurUsage: blurUsage,
		allowList: allowList,
		mailboxes: make(map[string]*Mailbox),
		rng:       rng,
	}
}

//ID returns the app_id this namespace serves
func (a *Application) ID() string {
	return a.id
}

//GetNameplateIDs returns the allocated nameplate names for this app,
//or nothing at all when listing is disallowed
func (a *Application) GetNameplateIDs() ([]string, error) {
	if !a.allowList {
		return []string{}, nil
	}
	return a.nameplateNames()
}

func (a *Application) nameplateNames() ([]string, error) {
	res := make([]string, 0)

	rows, err := a.db.Query(`SELECT DISTINCT name FROM nameplates WHERE app_id=?`, a.id)
	if err != nil {
		return res, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return res, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

//FindNameplate picks a free nameplate name. Short names are preferred:
//the 1, 2 and 3 digit ranges are tried in order and a uniformly random
//free name is taken from the first range with room. With all of 1-999
//taken, up to 1000 random picks from [1000,1000000) are tried before
//giving up with ErrNameplatesExhausted.
func (a *Application) FindNameplate() (string, error) {
	names, err := a.nameplateNames()
	if err != nil {
		return "", err
	}
	claimed := make(map[string]struct{}, len(names))
	for _, n := range names {
		claimed[n] = struct{}{}
	}

	low := 1
	for size := 1; size <= 3; size++ {
		high := low * 10
		avail := make([]string, 0, high-low)
		for i := low; i < high; i++ {
			name := strconv.Itoa(i)
			if _, taken := claimed[name]; !taken {
				avail = append(avail, name)
			}
		}
		if len(avail) > 0 {
			return avail[a.rng.Intn(len(avail))], nil
		}
		low = high
	}

	for tries := 0; tries < 1000; tries++ {
		name := strconv.Itoa(1000 + a.rng.Intn(1000*1000-1000))
		if _, taken := claimed[name]; !taken {
			return name, nil
		}
	}

	return "", ErrNameplatesExhausted
}

//AllocateNameplate finds a free nameplate and claims it for the given
//side. The mailbox id is discarded here; the client learns it from
//its own claim.
func (a *Application) AllocateNameplate(side string, when int64) (string, error) {
	name, err := a.FindNameplate()
	if err != nil {
		return "", err
	}

	if _, err = a.ClaimNameplate(name, side, when); err != nil {
		return "", err
	}
	return name, nil
}

//ClaimNameplate claims a nameplate for one side, creating the
//nameplate and its mailbox on first claim, and opens the mailbox for
//that side. Claiming is idempotent while the side still holds its
//claim; re-claiming after a release raises ErrReclaimed, and a third
//side raises ErrCrowded.
func (a *Application) ClaimNameplate(name, side string, when int64) (string, error) {
	np, err := a.lookupNameplate(name)
	if err != nil {
		return "", err
	}
	if np == nil {
		log.Infof("creating nameplate %s for app_id %s", name, a.id)

		mailboxID := generateMailboxID()
		if err = a.addMailboxRow(mailboxID, true, when); err != nil {
			return "", err
		}

		res, err := a.db.Exec(`INSERT INTO nameplates (app_id, name, mailbox_id)
			VALUES (?, ?, ?)`, a.id, name, mailboxID)
		if err != nil {
			return "", err
		}
		npid, err := res.LastInsertId()
		if err != nil {
			return "", err
		}
		np = &nameplateRow{id: npid, mailboxID: mailboxID}
	}

	var claimed bool
	row := a.db.QueryRow(`SELECT claimed FROM nameplate_sides WHERE nameplates_id=? AND side=?`,
		np.id, side)
	if err = row.Scan(&claimed); err != nil {
		if err != sql.ErrNoRows {
			return "", err
		}
		_, err = a.db.Exec(`INSERT INTO nameplate_sides (nameplates_id, claimed, side, added)
			VALUES (?, ?, ?, ?)`, np.id, true, side, when)
		if err != nil {
			return "", err
		}
	} else if !claimed {
		return "", ErrReclaimed
	}

	if _, err = a.OpenMailbox(np.mailboxID, side, when); err != nil {
		return "", err
	}

	var sides int
	row = a.db.QueryRow(`SELECT COUNT(*) FROM nameplate_sides WHERE nameplates_id=?`, np.id)
	if err = row.Scan(&sides); err != nil {
		return "", err
	}
	if sides > 2 {
		//rarely reached: crowding is normally noticed on the
		//mailbox sides first, inside OpenMailbox
		return "", ErrCrowded
	}

	return np.mailboxID, nil
}

//ReleaseNameplate clears one side's claim. Releasing an unknown
//nameplate, or one this side never claimed, is silently ignored. When
//the last claim goes away, the nameplate rows are deleted and a usage
//summary is recorded.
func (a *Application) ReleaseNameplate(name, side string, when int64) error {
	np, err := a.lookupNameplate(name)
	if err != nil || np == nil {
		return err
	}

	var claimed bool
	row := a.db.QueryRow(`SELECT claimed FROM nameplate_sides WHERE nameplates_id=? AND side=?`,
		np.id, side)
	if err = row.Scan(&claimed); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	_, err = a.db.Exec(`UPDATE nameplate_sides SET claimed=? WHERE nameplates_id=? AND side=?`,
		false, np.id, side)
	if err != nil {
		return err
	}

	sides, err := a.nameplateSideRows(np.id)
	if err != nil {
		return err
	}
	for _, sr := range sides {
		if sr.claimed {
			return nil
		}
	}

	if _, err = a.db.Exec(`DELETE FROM nameplate_sides WHERE nameplates_id=?`, np.id); err != nil {
		return err
	}
	if _, err = a.db.Exec(`DELETE FROM nameplates WHERE id=?`, np.id); err != nil {
		return err
	}

	if a.usageDB != nil {
		if err = a.summarizeNameplateAndStore(sides, when, false); err != nil {
			log.Err("recording nameplate usage for %s", name, err)
		}
	}
	return nil
}

//OpenMailbox ensures the mailbox row and the in-memory Mailbox object
//exist, then registers the side on it. A third side raises ErrCrowded;
//the extra side row is deliberately left in place.
func (a *Application) OpenMailbox(mailboxID, side string, when int64) (*Mailbox, error) {
	if err := a.addMailboxRow(mailboxID, false, when); err != nil {
		return nil, err
	}

	mbox, ok := a.mailboxes[mailboxID]
	if !ok {
		log.Infof("spawning mailbox %s for app_id %s", mailboxID, a.id)
		mbox = newMailbox(a, mailboxID)
		a.mailboxes[mailboxID] = mbox
	}

	if err := mbox.Open(side, when); err != nil {
		return nil, err
	}

	var sides int
	row := a.db.QueryRow(`SELECT COUNT(*) FROM mailbox_sides WHERE mailbox_id=?`, mailboxID)
	if err := row.Scan(&sides); err != nil {
		return nil, err
	}
	if sides > 2 {
		return nil, ErrCrowded
	}

	return mbox, nil
}

//FreeMailbox forgets the in-memory object for a mailbox. The row
//underneath, if any, is managed by close and pruning.
func (a *Application) FreeMailbox(mailboxID string) {
	delete(a.mailboxes, mailboxID)
}

//LogClientVersion records the implementation and version a client
//announced at bind time, with the connect time blurred if configured.
//A no-op without a usage store.
func (a *Application) LogClientVersion(serverRX int64, side, implementation, version string) error {
	if a.usageDB == nil {
		return nil
	}
	if a.blurUsage > 0 {
		serverRX = a.blurUsage * (serverRX / a.blurUsage)
	}

	_, err := a.usageDB.Exec(`INSERT INTO client_versions (app_id, side, connect_time, implementation, version)
		VALUES (?, ?, ?, ?, ?)`, a.id, side, serverRX, implementation, version)
	return err
}

//Prune collects every mailbox not updated since old, along with the
//nameplates pointing at them, and records pruned usage summaries. A
//live subscription keeps a channel fresh: mailboxes with listeners
//are touched to now before the partition. Returns whether any
//in-memory mailbox objects remain.
func (a *Application) Prune(now, old int64) (bool, error) {
	log.Debugf("prune begins (%s)", a.id)

	for _, mbox := range a.mailboxes {
		if mbox.HasListeners() {
			if err := mbox.Touch(now); err != nil {
				return a.stillInUse(), err
			}
		}
	}

	var oldMailboxes []string
	rows, err := a.db.Query(`SELECT id, updated FROM mailboxes WHERE app_id=?`, a.id)
	if err != nil {
		return a.stillInUse(), err
	}
	for rows.Next() {
		var id string
		var updated int64
		if err = rows.Scan(&id, &updated); err != nil {
			rows.Close()
			return a.stillInUse(), err
		}
		if updated <= old {
			oldMailboxes = append(oldMailboxes, id)
		}
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return a.stillInUse(), err
	}

	oldSet := make(map[string]struct{}, len(oldMailboxes))
	for _, id := range oldMailboxes {
		oldSet[id] = struct{}{}
	}

	var oldNameplates []int64
	rows, err = a.db.Query(`SELECT id, mailbox_id FROM nameplates WHERE app_id=?`, a.id)
	if err != nil {
		return a.stillInUse(), err
	}
	for rows.Next() {
		var npid int64
		var mailboxID string
		if err = rows.Scan(&npid, &mailboxID); err != nil {
			rows.Close()
			return a.stillInUse(), err
		}
		if _, stale := oldSet[mailboxID]; stale {
			oldNameplates = append(oldNameplates, npid)
		}
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return a.stillInUse(), err
	}

	for _, npid := range oldNameplates {
		sides, err := a.nameplateSideRows(npid)
		if err != nil {
			return a.stillInUse(), err
		}
		if _, err = a.db.Exec(`DELETE FROM nameplate_sides WHERE nameplates_id=?`, npid); err != nil {
			return a.stillInUse(), err
		}
		if _, err = a.db.Exec(`DELETE FROM nameplates WHERE id=?`, npid); err != nil {
			return a.stillInUse(), err
		}
		if a.usageDB != nil {
			if err = a.summarizeNameplateAndStore(sides, now, true); err != nil {
				return a.stillInUse(), err
			}
		}
		log.Infof("pruned nameplate %d for app_id %s", npid, a.id)
	}

	for _, mailboxID := range oldMailboxes {
		var forNameplate bool
		row := a.db.QueryRow(`SELECT for_nameplate FROM mailboxes WHERE id=?`, mailboxID)
		if err = row.Scan(&forNameplate); err != nil {
			return a.stillInUse(), err
		}

		mbox := a.mailboxes[mailboxID]
		if mbox == nil {
			mbox = newMailbox(a, mailboxID)
		}
		sides, err := mbox.sideRows()
		if err != nil {
			return a.stillInUse(), err
		}

		if _, err = a.db.Exec(`DELETE FROM messages WHERE mailbox_id=?`, mailboxID); err != nil {
			return a.stillInUse(), err
		}
		if _, err = a.db.Exec(`DELETE FROM mailbox_sides WHERE mailbox_id=?`, mailboxID); err != nil {
			return a.stillInUse(), err
		}
		if _, err = a.db.Exec(`DELETE FROM mailboxes WHERE id=?`, mailboxID); err != nil {
			return a.stillInUse(), err
		}
		if a.usageDB != nil {
			if err = a.summarizeMailboxAndStore(forNameplate, sides, now, true); err != nil {
				return a.stillInUse(), err
			}
		}
		log.Infof("pruned mailbox %s for app_id %s", mailboxID, a.id)
	}

	return a.stillInUse(), nil
}

func (a *Application) stillInUse() bool {
	return len(a.mailboxes) > 0
}

//CountListeners sums the subscriptions across the live mailboxes
func (a *Application) CountListeners() int {
	total := 0
	for _, mbox := range a.mailboxes {
		total += mbox.CountListeners()
	}
	return total
}

//shutdown boots every listener on every live mailbox
func (a *Application) shutdown() {
	for _, mbox := range a.mailboxes {
		mbox.shutdown()
	}
}

func (a *Application) lookupNameplate(name string) (*nameplateRow, error) {
	np := &nameplateRow{}
	row := a.db.QueryRow(`SELECT id, mailbox_id FROM nameplates WHERE app_id=? AND name=?`,
		a.id, name)
	if err := row.Scan(&np.id, &np.mailboxID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return np, nil
}

func (a *Application) nameplateSideRows(npid int64) ([]nameplateSideRow, error) {
	rows, err := a.db.Query(`SELECT claimed, side, added FROM nameplate_sides WHERE nameplates_id=?`, npid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sides []nameplateSideRow
	for rows.Next() {
		var sr nameplateSideRow
		if err = rows.Scan(&sr.claimed, &sr.side, &sr.added); err != nil {
			return nil, err
		}
		sides = append(sides, sr)
	}
	return sides, rows.Err()
}

//addMailboxRow ensures a mailbox row exists, inserting it with the
//given for_nameplate flag when absent
func (a *Application) addMailboxRow(mailboxID string, forNameplate bool, when int64) error {
	var exists bool
	row := a.db.QueryRow(`SELECT COUNT(*)>0 FROM mailboxes WHERE app_id=? AND id=?`, a.id, mailboxID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err := a.db.Exec(`INSERT INTO mailboxes (app_id, id, for_nameplate, updated)
		VALUES (?, ?, ?, ?)`, a.id, mailboxID, forNameplate, when)
	return err
}

func (a *Application) blur(t int64) int64 {
	if a.blurUsage > 0 {
		return a.blurUsage * (t / a.blurUsage)
	}
	return t
}

//generateMailboxID returns a fresh 13 character base32 lower-case
//mailbox identifier
func generateMailboxID() string {
	b := make([]byte, 8)
	crand.Read(b)

	id := base32.StdEncoding.EncodeToString(b)
	id = strings.TrimRight(id, "=")
	return strings.ToLower(id)
}

func sortedAddedTimes(added []int64) []int64 {
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	return added
}
